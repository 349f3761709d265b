package ledger

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/civicsense/reward-ledger/notify"
)

// Reconciler reverses awards when a signed-in user's complaints are
// removed.
type Reconciler struct {
	Engine *Engine
	Feed   notify.Feed
}

// NewReconciler creates a reconciler.
func NewReconciler(engine *Engine, feed notify.Feed) *Reconciler {
	return &Reconciler{Engine: engine, Feed: feed}
}

// Subscribe listens for userID's complaint removals until ctx ends or
// cancel is called. Each removal is applied at most once per complaint id,
// or per event id when the complaint id is missing.
// Removals published while nobody is subscribed are not replayed.
func (r *Reconciler) Subscribe(ctx context.Context, userID UserID) (cancel func(), err error) {
	if userID == "" {
		return nil, ErrInvalidUser
	}
	if r.Feed == nil {
		return nil, fmt.Errorf("%w: reconciler has no change feed", ErrListenerAttach)
	}

	ctx, stop := context.WithCancel(ctx)
	sub, err := r.Feed.Subscribe(ctx, notify.Filter{
		Kinds:  []notify.Kind{notify.KindComplaintRemoved},
		UserID: string(userID),
	})
	if err != nil {
		stop()
		log.Printf("[Reconciler] Attach for %s failed: %v", userID, err)
		return nil, fmt.Errorf("%w: %w", ErrListenerAttach, err)
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for e := range sub.C {
			r.apply(ctx, userID, e)
		}
	}()

	log.Printf("[Reconciler] Watching complaint removals for %s", userID)

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			sub.Close()
			wg.Wait()
			log.Printf("[Reconciler] Stopped watching %s", userID)
		})
	}, nil
}

func (r *Reconciler) apply(ctx context.Context, userID UserID, e notify.Event) {
	key, ok := removalKey(e)
	if !ok {
		log.Printf("[Reconciler] Ignoring removal for %s without complaint or event id", userID)
		return
	}
	applied, err := r.Engine.ApplyComplaintRemoved(ctx, userID, key)
	switch {
	case err != nil:
		log.Printf("[Reconciler] Reversal for %s (%s) failed: %v", userID, key, err)
	case applied:
		log.Printf("[Reconciler] Reversed award for %s (%s)", userID, key)
	}
}

// removalKey identifies a removal across every session of the user. Events
// without a complaint id are keyed by the event id, which the feed assigns
// on publish.
func removalKey(e notify.Event) (string, bool) {
	switch {
	case e.ComplaintID != "":
		return e.ComplaintID, true
	case e.ID != "":
		return "event:" + e.ID, true
	default:
		return "", false
	}
}

package ledger

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/civicsense/reward-ledger/notify"
)

// DefaultLeaderboardSize is the number of ranked rows.
const DefaultLeaderboardSize = 5

// Leaderboard keeps a live top-N ranking. It re-queries the store whenever
// a ledger change is published; it never polls.
type Leaderboard struct {
	Store Store
	Feed  notify.Feed
	Size  int
}

// NewLeaderboard creates a top-5 leaderboard.
func NewLeaderboard(store Store, feed notify.Feed) *Leaderboard {
	return &Leaderboard{Store: store, Feed: feed, Size: DefaultLeaderboardSize}
}

func (l *Leaderboard) size() int {
	if l.Size <= 0 {
		return DefaultLeaderboardSize
	}
	return l.Size
}

// Snapshot returns the current ranking.
func (l *Leaderboard) Snapshot(ctx context.Context) ([]Standing, error) {
	rows, err := l.Store.Top(ctx, l.size())
	if err != nil {
		return nil, fmt.Errorf("failed to query leaderboard: %w", err)
	}
	return rank(rows), nil
}

// Start pushes the initial ranking to onUpdate and then every changed
// ranking until ctx ends or cancel is called. onUpdate runs on a single
// goroutine. Cancel is idempotent.
func (l *Leaderboard) Start(ctx context.Context, onUpdate func([]Standing)) (cancel func(), err error) {
	if l.Feed == nil {
		return nil, fmt.Errorf("%w: leaderboard has no change feed", ErrListenerAttach)
	}

	ctx, stop := context.WithCancel(ctx)
	sub, err := l.Feed.Subscribe(ctx, notify.Filter{Kinds: []notify.Kind{notify.KindLedgerChanged}})
	if err != nil {
		stop()
		log.Printf("[Leaderboard] Attach failed: %v", err)
		return nil, fmt.Errorf("%w: %w", ErrListenerAttach, err)
	}

	current, err := l.Snapshot(ctx)
	if err != nil {
		// Rendered as empty until the next change arrives.
		log.Printf("[Leaderboard] Initial query failed: %v", err)
		current = []Standing{}
	}
	onUpdate(current)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for range sub.C {
			next, err := l.Snapshot(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("[Leaderboard] Refresh failed: %v", err)
				}
				continue
			}
			if sameStandings(current, next) {
				continue
			}
			current = next
			onUpdate(current)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			stop()
			sub.Close()
			wg.Wait()
		})
	}, nil
}

// rank assigns 1-based ranks in query order and fills missing names.
func rank(rows []Standing) []Standing {
	out := make([]Standing, len(rows))
	for i, r := range rows {
		r.Rank = i + 1
		if r.Name == "" {
			r.Name = "Unknown"
		}
		out[i] = r
	}
	return out
}

func sameStandings(a, b []Standing) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

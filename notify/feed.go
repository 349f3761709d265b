/*
Package notify carries push notifications between the ledger, its listeners
and other server processes.

PURPOSE:
  The ledger store has no native "live query". Every committed write is
  announced on a Feed instead, and listeners (leaderboard, projection
  streams, deletion reconcilers) re-read on each signal. This gives push
  semantics without polling.

EVENT KINDS:
  ledger.changed:     A user's reward record committed a change.
  complaint.created:  A complaint was attributed to a user.
  complaint.removed:  A previously attributed complaint was removed.

DELIVERY:
  Publishing never blocks. Each subscriber owns a buffered channel; when it
  is full the event is dropped for that subscriber, logged and counted.
  ledger.changed is a pure "re-read" signal so a drop only delays a
  refresh until the next change.

IMPLEMENTATIONS:
  Broker:    In-process fan-out.
  RedisFeed: Redis pub/sub bridge so several server processes share events.
*/
package notify

import (
	"context"
	"time"
)

// Kind identifies an event type.
type Kind string

const (
	KindLedgerChanged    Kind = "ledger.changed"
	KindComplaintCreated Kind = "complaint.created"
	KindComplaintRemoved Kind = "complaint.removed"
)

// Event is one notification.
type Event struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	UserID      string    `json:"user_id"`
	ComplaintID string    `json:"complaint_id,omitempty"`
	At          time.Time `json:"at"`
}

// Filter selects events for a subscription. Zero values match everything.
type Filter struct {
	Kinds  []Kind
	UserID string
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Event) bool {
	if f.UserID != "" && f.UserID != e.UserID {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if k == e.Kind {
			return true
		}
	}
	return false
}

// Feed publishes and subscribes to events.
type Feed interface {
	Publish(ctx context.Context, e Event) error
	Subscribe(ctx context.Context, f Filter) (*Subscription, error)
}

// Subscription delivers matching events on C until Close is called or the
// subscribing context ends. C is closed afterwards.
type Subscription struct {
	C <-chan Event

	close func()
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	if s != nil && s.close != nil {
		s.close()
	}
}

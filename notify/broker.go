package notify

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/civicsense/reward-ledger/metrics"
)

// ErrClosed is returned when publishing to or subscribing on a closed feed.
var ErrClosed = errors.New("feed closed")

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 64

// =============================================================================
// BROKER - In-process fan-out
// =============================================================================

// Broker is an in-process Feed.
type Broker struct {
	Buffer int

	mu     sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64
	closed bool
}

type subscriber struct {
	filter Filter
	ch     chan Event
	once   sync.Once
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		Buffer: DefaultBuffer,
		subs:   make(map[uint64]*subscriber),
	}
}

// Publish fans e out to every matching subscriber without blocking.
func (b *Broker) Publish(_ context.Context, e Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return ErrClosed
	}
	for _, s := range b.subs {
		if !s.filter.Match(e) {
			continue
		}
		select {
		case s.ch <- e:
		default:
			metrics.FeedDropped.WithLabelValues(string(e.Kind)).Inc()
			log.Printf("[Feed] Dropped %s for user %s: subscriber buffer full", e.Kind, e.UserID)
		}
	}
	return nil
}

// Subscribe registers a subscriber. It is removed when ctx ends or Close
// is called.
func (b *Broker) Subscribe(ctx context.Context, f Filter) (*Subscription, error) {
	size := b.Buffer
	if size <= 0 {
		size = DefaultBuffer
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	id := b.nextID
	b.nextID++
	s := &subscriber{filter: f, ch: make(chan Event, size)}
	b.subs[id] = s
	b.mu.Unlock()

	done := make(chan struct{})
	var once sync.Once
	closeFn := func() {
		once.Do(func() {
			close(done)
			b.remove(id)
		})
	}

	go func() {
		select {
		case <-ctx.Done():
			closeFn()
		case <-done:
		}
	}()

	return &Subscription{C: s.ch, close: closeFn}, nil
}

func (b *Broker) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if s, ok := b.subs[id]; ok {
		delete(b.subs, id)
		s.once.Do(func() { close(s.ch) })
	}
}

// Subscribers returns the number of live subscriptions.
func (b *Broker) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close detaches every subscriber and rejects further use.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		s.once.Do(func() { close(s.ch) })
	}
	return nil
}

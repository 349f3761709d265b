package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// DefaultChannel is the Redis pub/sub channel used for ledger events.
const DefaultChannel = "civicsense:rewards:events"

// =============================================================================
// REDIS FEED - Cross-process bridge
// =============================================================================

// RedisFeed publishes events to a Redis channel and re-delivers everything
// received on that channel (including its own publications) to local
// subscribers through a Broker.
type RedisFeed struct {
	client  *redis.Client
	channel string
	local   *Broker

	mu     sync.Mutex
	pubsub *redis.PubSub
	wg     sync.WaitGroup
}

// NewRedisFeed wraps an existing client.
func NewRedisFeed(client *redis.Client, channel string) *RedisFeed {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisFeed{
		client:  client,
		channel: channel,
		local:   NewBroker(),
	}
}

// Start subscribes to the Redis channel and begins relaying. The
// subscription is confirmed before Start returns.
func (f *RedisFeed) Start(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.pubsub != nil {
		return nil
	}

	ps := f.client.Subscribe(ctx, f.channel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return fmt.Errorf("failed to subscribe to %s: %w", f.channel, err)
	}
	f.pubsub = ps

	f.wg.Add(1)
	go f.relay(ps.Channel())

	log.Printf("[Feed] Relaying Redis channel %s", f.channel)
	return nil
}

func (f *RedisFeed) relay(msgs <-chan *redis.Message) {
	defer f.wg.Done()

	for msg := range msgs {
		e, err := DecodeEvent([]byte(msg.Payload))
		if err != nil {
			log.Printf("[Feed] Skipping malformed event: %v", err)
			continue
		}
		if err := f.local.Publish(context.Background(), e); err != nil {
			return
		}
	}
}

// Publish sends e to Redis. Local subscribers receive it through the relay.
func (f *RedisFeed) Publish(ctx context.Context, e Event) error {
	payload, err := EncodeEvent(e)
	if err != nil {
		return err
	}
	if err := f.client.Publish(ctx, f.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish %s: %w", e.Kind, err)
	}
	return nil
}

// Subscribe registers a local subscriber.
func (f *RedisFeed) Subscribe(ctx context.Context, filter Filter) (*Subscription, error) {
	return f.local.Subscribe(ctx, filter)
}

// Close stops relaying and closes local subscribers. The Redis client is
// owned by the caller.
func (f *RedisFeed) Close() error {
	f.mu.Lock()
	ps := f.pubsub
	f.pubsub = nil
	f.mu.Unlock()

	var err error
	if ps != nil {
		err = ps.Close()
		f.wg.Wait()
	}
	f.local.Close()
	return err
}

// =============================================================================
// WIRE FORMAT
// =============================================================================

// EncodeEvent fills ID and At when missing and returns the JSON payload.
func EncodeEvent(e Event) ([]byte, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to encode event: %w", err)
	}
	return b, nil
}

// DecodeEvent parses a JSON payload. Events without a kind are rejected.
func DecodeEvent(b []byte) (Event, error) {
	var e Event
	if err := json.Unmarshal(b, &e); err != nil {
		return Event{}, fmt.Errorf("failed to decode event: %w", err)
	}
	if e.Kind == "" {
		return Event{}, fmt.Errorf("event %q has no kind", e.ID)
	}
	return e, nil
}

package notify

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case e, ok := <-sub.C:
		require.True(t, ok, "subscription closed")
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func assertQuiet(t *testing.T, sub *Subscription) {
	t.Helper()
	select {
	case e := <-sub.C:
		t.Fatalf("unexpected event %+v", e)
	case <-time.After(50 * time.Millisecond):
	}
}

// =============================================================================
// FILTER
// =============================================================================

func TestFilter_Match(t *testing.T) {
	e := Event{Kind: KindComplaintRemoved, UserID: "u1"}

	assert.True(t, Filter{}.Match(e))
	assert.True(t, Filter{UserID: "u1"}.Match(e))
	assert.False(t, Filter{UserID: "u2"}.Match(e))
	assert.True(t, Filter{Kinds: []Kind{KindLedgerChanged, KindComplaintRemoved}}.Match(e))
	assert.False(t, Filter{Kinds: []Kind{KindLedgerChanged}, UserID: "u1"}.Match(e))
}

// =============================================================================
// BROKER
// =============================================================================

func TestBroker_FanOutByFilter(t *testing.T) {
	// GIVEN: Two subscribers for different users
	ctx := context.Background()
	b := NewBroker()
	defer b.Close()

	alice, err := b.Subscribe(ctx, Filter{UserID: "alice"})
	require.NoError(t, err)
	bob, err := b.Subscribe(ctx, Filter{UserID: "bob"})
	require.NoError(t, err)

	// WHEN: Publishing a change for alice
	require.NoError(t, b.Publish(ctx, Event{Kind: KindLedgerChanged, UserID: "alice"}))

	// THEN: Only alice is notified, with ID and time filled in
	e := receive(t, alice)
	assert.Equal(t, KindLedgerChanged, e.Kind)
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.At.IsZero())
	assertQuiet(t, bob)
}

func TestBroker_PublishNeverBlocks(t *testing.T) {
	// GIVEN: A subscriber that never reads, with a tiny buffer
	ctx := context.Background()
	b := NewBroker()
	b.Buffer = 2
	defer b.Close()

	sub, err := b.Subscribe(ctx, Filter{})
	require.NoError(t, err)

	// WHEN: Publishing more events than fit
	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			b.Publish(ctx, Event{Kind: KindLedgerChanged, UserID: "u"})
		}
		close(done)
	}()

	// THEN: Publish returns; the overflow is dropped
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked")
	}
	assert.Len(t, sub.C, 2)
}

func TestBroker_CloseSubscription(t *testing.T) {
	ctx := context.Background()
	b := NewBroker()
	defer b.Close()

	sub, err := b.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	assert.Equal(t, 1, b.Subscribers())

	sub.Close()
	sub.Close() // idempotent

	_, ok := <-sub.C
	assert.False(t, ok, "channel closed after Close")
	assert.Equal(t, 0, b.Subscribers())
}

func TestBroker_ContextEndsSubscription(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	b := NewBroker()
	defer b.Close()

	sub, err := b.Subscribe(ctx, Filter{})
	require.NoError(t, err)

	cancel()

	assert.Eventually(t, func() bool { return b.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-sub.C
	assert.False(t, ok)
}

func TestBroker_ClosedRejectsUse(t *testing.T) {
	ctx := context.Background()
	b := NewBroker()

	sub, err := b.Subscribe(ctx, Filter{})
	require.NoError(t, err)
	require.NoError(t, b.Close())

	_, ok := <-sub.C
	assert.False(t, ok)

	assert.ErrorIs(t, b.Publish(ctx, Event{Kind: KindLedgerChanged}), ErrClosed)
	_, err = b.Subscribe(ctx, Filter{})
	assert.ErrorIs(t, err, ErrClosed)

	sub.Close() // no panic after broker close
}

func TestSubscription_NilClose(t *testing.T) {
	var s *Subscription
	assert.NotPanics(t, s.Close)
}

// =============================================================================
// WIRE FORMAT
// =============================================================================

func TestEncodeDecodeEvent(t *testing.T) {
	b, err := EncodeEvent(Event{Kind: KindComplaintRemoved, UserID: "u1", ComplaintID: "c-9"})
	require.NoError(t, err)

	e, err := DecodeEvent(b)
	require.NoError(t, err)
	assert.Equal(t, KindComplaintRemoved, e.Kind)
	assert.Equal(t, "u1", e.UserID)
	assert.Equal(t, "c-9", e.ComplaintID)
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.At.IsZero())
}

func TestDecodeEvent_Rejects(t *testing.T) {
	_, err := DecodeEvent([]byte("not json"))
	assert.Error(t, err)

	_, err = DecodeEvent([]byte(`{"id":"x","user_id":"u1"}`))
	assert.Error(t, err, "missing kind")
}

// =============================================================================
// REDIS FEED
// =============================================================================

func TestRedisFeed_RoundTrip(t *testing.T) {
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}

	ctx := context.Background()
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()
	require.NoError(t, client.Ping(ctx).Err())

	// GIVEN: Two feeds on the same channel, as two server processes
	channel := "civicsense:test:" + time.Now().Format("150405.000000")
	a := NewRedisFeed(client, channel)
	require.NoError(t, a.Start(ctx))
	defer a.Close()
	b := NewRedisFeed(client, channel)
	require.NoError(t, b.Start(ctx))
	defer b.Close()

	sub, err := b.Subscribe(ctx, Filter{Kinds: []Kind{KindComplaintRemoved}})
	require.NoError(t, err)

	// WHEN: Feed a publishes
	require.NoError(t, a.Publish(ctx, Event{Kind: KindComplaintRemoved, UserID: "u1", ComplaintID: "c1"}))

	// THEN: Feed b's subscriber receives it
	e := receive(t, sub)
	assert.Equal(t, "u1", e.UserID)
	assert.Equal(t, "c1", e.ComplaintID)
}

package eventqueue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/mcpl/eventqueue"
)

func alwaysSucceeds(ctx context.Context, e eventqueue.Event) error { return nil }

func TestQueue_IdempotentPush(t *testing.T) {
	q := eventqueue.New(blockingTrigger(), nil, nil, nil)
	now := time.Now()

	first := q.Push(context.Background(), eventqueue.Event{ConversationID: "c1", IdempotencyKey: "k1"}, now)
	assert.Equal(t, eventqueue.StatusQueued, first.Status)

	second := q.Push(context.Background(), eventqueue.Event{ConversationID: "c1", IdempotencyKey: "k1"}, now.Add(time.Minute))
	assert.Equal(t, eventqueue.StatusDuplicateIgnored, second.Status)

	third := q.Push(context.Background(), eventqueue.Event{ConversationID: "c1", IdempotencyKey: "k1"}, now.Add(31*time.Minute))
	assert.Equal(t, eventqueue.StatusQueued, third.Status)
}

func TestQueue_RateLimitedPush(t *testing.T) {
	q := eventqueue.New(alwaysSucceeds, nil, nil, nil, eventqueue.WithMaxPushesPerHour(2))
	now := time.Now()

	a := q.Push(context.Background(), eventqueue.Event{ConversationID: "c1", IdempotencyKey: "a"}, now)
	b := q.Push(context.Background(), eventqueue.Event{ConversationID: "c1", IdempotencyKey: "b"}, now)
	assert.Equal(t, eventqueue.StatusQueued, a.Status)
	assert.Equal(t, eventqueue.StatusQueued, b.Status)

	waitForProcessed(t, q, "c1", 2)

	c := q.Push(context.Background(), eventqueue.Event{ConversationID: "c1", IdempotencyKey: "c"}, now)
	assert.Equal(t, eventqueue.StatusRateLimited, c.Status)
}

func TestQueue_QueueFull(t *testing.T) {
	q := eventqueue.New(blockingTrigger(), nil, nil, nil, eventqueue.WithMaxQueueSize(1))
	now := time.Now()
	// Paused, so "a" stays queued rather than moving to the in-flight slot.
	q.Pause("c1")

	a := q.Push(context.Background(), eventqueue.Event{ConversationID: "c1", IdempotencyKey: "a"}, now)
	require.Equal(t, eventqueue.StatusQueued, a.Status)

	b := q.Push(context.Background(), eventqueue.Event{ConversationID: "c1", IdempotencyKey: "b"}, now)
	assert.Equal(t, eventqueue.StatusRateLimited, b.Status)
	assert.Equal(t, "Queue full", b.Error)
}

func TestQueue_SingleInFlightSlotPerConversation(t *testing.T) {
	var mu sync.Mutex
	inFlight := 0
	maxObserved := 0
	trigger := func(ctx context.Context, e eventqueue.Event) error {
		mu.Lock()
		inFlight++
		if inFlight > maxObserved {
			maxObserved = inFlight
		}
		mu.Unlock()
		time.Sleep(10 * time.Millisecond)
		mu.Lock()
		inFlight--
		mu.Unlock()
		return nil
	}
	q := eventqueue.New(trigger, nil, nil, nil)
	now := time.Now()
	for i := 0; i < 5; i++ {
		q.Push(context.Background(), eventqueue.Event{ConversationID: "c1", IdempotencyKey: string(rune('a' + i))}, now)
	}

	waitForProcessed(t, q, "c1", 5)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, maxObserved)
}

func blockingTrigger() eventqueue.TriggerHandler {
	return func(ctx context.Context, e eventqueue.Event) error {
		<-ctx.Done()
		return ctx.Err()
	}
}

func waitForProcessed(t *testing.T, q *eventqueue.Queue, conversationID string, want int) {
	t.Helper()
	for i := 0; i < 2000; i++ {
		if _, ok := q.Processing(conversationID); !ok && len(q.Pending(conversationID)) == 0 {
			return
		}
		time.Sleep(time.Millisecond)
	}
}

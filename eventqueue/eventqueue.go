// Package eventqueue implements the MCPL Event Queue: one strict-FIFO,
// single-in-flight-slot queue per conversation, with idempotency
// deduplication, a global hourly push quota, and a bounded per-conversation
// backlog.
package eventqueue

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"goa.design/mcpl/internal/observability"
	"goa.design/mcpl/telemetry"
)

const (
	// DefaultMaxPushesPerHour is the global hourly push quota.
	DefaultMaxPushesPerHour = 60
	// DefaultIdempotencyWindow is how long an idempotency key is remembered.
	DefaultIdempotencyWindow = 30 * time.Minute
	// DefaultMaxQueueSize bounds the per-conversation backlog of pending
	// (queued) entries.
	DefaultMaxQueueSize = 100
	// TerminalRetention is how long completed/failed/duplicate_ignored
	// entries are kept before being pruned.
	TerminalRetention = 5 * time.Minute
	// fallbackBucket is the width of the time bucket used to derive a
	// fallback idempotency key when the event carries none.
	fallbackBucket = 5 * time.Minute
)

// Status is the lifecycle state of a push-event entry.
type Status string

const (
	StatusQueued            Status = "queued"
	StatusProcessing        Status = "processing"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusRateLimited       Status = "rate_limited"
	StatusDuplicateIgnored  Status = "duplicate_ignored"
)

// Event is a single push event submitted by a delegate.
type Event struct {
	ID             string
	Source         string
	ConversationID string
	EventType      string
	Payload        json.RawMessage
	SystemMessage  string
	IdempotencyKey string
	Timestamp      time.Time
	DelegateID     string
	UserID         string
}

// Entry is the queue's record of a submitted event, including its current
// status.
type Entry struct {
	Event
	Status      Status
	Error       string
	enqueuedAt  time.Time
	terminalAt  time.Time
}

// TriggerHandler builds a user message from the event and runs inference. A
// non-nil error marks the entry failed.
type TriggerHandler func(ctx context.Context, e Event) error

// Persister records audit events fire-and-forget; failures are logged by the
// caller and never block processing.
type Persister interface {
	Persist(ctx context.Context, eventType string, entry Entry)
}

// Broadcaster pushes a queue-state change to connected UIs.
type Broadcaster interface {
	BroadcastQueueUpdate(ctx context.Context, conversationID string, entry Entry)
}

type conversationQueue struct {
	mu         sync.Mutex
	pending    []*Entry // status == queued, FIFO order
	processing *Entry
	paused     bool
	terminal   []*Entry // completed/failed/duplicate_ignored, pruned after TerminalRetention
}

// Queue is the process-wide Event Queue: one FIFO per conversation, a
// shared idempotency dedup table, and a shared hourly rate limiter.
type Queue struct {
	mu               sync.Mutex
	conversations    map[string]*conversationQueue
	idempotencyKeys  map[string]time.Time // key -> expiry
	processedHourly  []time.Time          // successful pushes in the last hour
	maxPushesPerHour int
	idempotencyWindow time.Duration
	maxQueueSize     int

	trigger     TriggerHandler
	persister   Persister
	broadcaster Broadcaster
	obs         *observability.Recorder
}

// Option configures a Queue.
type Option func(*Queue)

func WithMaxPushesPerHour(n int) Option     { return func(q *Queue) { q.maxPushesPerHour = n } }
func WithIdempotencyWindow(d time.Duration) Option { return func(q *Queue) { q.idempotencyWindow = d } }
func WithMaxQueueSize(n int) Option         { return func(q *Queue) { q.maxQueueSize = n } }
func WithPersister(p Persister) Option      { return func(q *Queue) { q.persister = p } }
func WithBroadcaster(b Broadcaster) Option  { return func(q *Queue) { q.broadcaster = b } }

// New constructs a Queue that invokes trigger to process each queued entry.
func New(trigger TriggerHandler, logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer, opts ...Option) *Queue {
	q := &Queue{
		conversations:     make(map[string]*conversationQueue),
		idempotencyKeys:   make(map[string]time.Time),
		maxPushesPerHour:  DefaultMaxPushesPerHour,
		idempotencyWindow: DefaultIdempotencyWindow,
		maxQueueSize:      DefaultMaxQueueSize,
		trigger:           trigger,
		obs:               observability.New("eventqueue", logger, metrics, tracer),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *Queue) convQueue(conversationID string) *conversationQueue {
	q.mu.Lock()
	defer q.mu.Unlock()
	cq, ok := q.conversations[conversationID]
	if !ok {
		cq = &conversationQueue{}
		q.conversations[conversationID] = cq
	}
	return cq
}

// effectiveKey computes the event's idempotency key: the caller-supplied key
// if present, else a time-bucketed fallback hash of eventType+payload.
func effectiveKey(e Event, now time.Time) string {
	if e.IdempotencyKey != "" {
		return e.IdempotencyKey
	}
	bucket := now.Truncate(fallbackBucket).Unix()
	h := sha256.New()
	h.Write([]byte(e.EventType))
	h.Write(e.Payload)
	fmt.Fprintf(h, ":%d", bucket)
	return "fallback:" + hex.EncodeToString(h.Sum(nil))[:16]
}

// Push implements the push(event) steps: idempotency dedup, hourly rate
// limit, per-conversation backlog bound, enqueue, and scheduling.
func (q *Queue) Push(ctx context.Context, e Event, now time.Time) *Entry {
	key := effectiveKey(e, now)

	q.mu.Lock()
	if expiry, seen := q.idempotencyKeys[key]; seen && now.Before(expiry) {
		q.mu.Unlock()
		entry := &Entry{Event: e, Status: StatusDuplicateIgnored, terminalAt: now}
		q.recordTerminal(ctx, e.ConversationID, entry)
		return entry
	}

	cutoff := now.Add(-time.Hour)
	pruned := q.processedHourly[:0]
	for _, t := range q.processedHourly {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}
	q.processedHourly = pruned
	if len(q.processedHourly) >= q.maxPushesPerHour {
		q.mu.Unlock()
		entry := &Entry{Event: e, Status: StatusRateLimited, Error: "Hourly push quota exceeded", terminalAt: now}
		q.obs.Log(ctx, observability.Event{Operation: "push_event_rate_limited", Subject: e.ConversationID, Outcome: observability.OutcomeSkipped})
		if q.persister != nil {
			q.persister.Persist(ctx, "push_event_rate_limited", *entry)
		}
		return entry
	}
	q.mu.Unlock()

	cq := q.convQueue(e.ConversationID)
	cq.mu.Lock()
	if len(cq.pending) >= q.maxQueueSize {
		cq.mu.Unlock()
		entry := &Entry{Event: e, Status: StatusRateLimited, Error: "Queue full", terminalAt: now}
		if q.persister != nil {
			q.persister.Persist(ctx, "push_event_rate_limited", *entry)
		}
		return entry
	}

	q.mu.Lock()
	q.idempotencyKeys[key] = now.Add(q.idempotencyWindow)
	q.mu.Unlock()

	entry := &Entry{Event: e, Status: StatusQueued, enqueuedAt: now}
	cq.pending = append(cq.pending, entry)
	shouldSchedule := !cq.paused && cq.processing == nil
	cq.mu.Unlock()

	if q.persister != nil {
		q.persister.Persist(ctx, "push_event_received", *entry)
	}
	if q.broadcaster != nil {
		q.broadcaster.BroadcastQueueUpdate(ctx, e.ConversationID, *entry)
	}

	if shouldSchedule {
		go q.processNext(ctx, e.ConversationID)
	}
	return entry
}

// Pause stops a conversation's queue from starting new processing; any
// currently in-flight entry still completes.
func (q *Queue) Pause(conversationID string) {
	cq := q.convQueue(conversationID)
	cq.mu.Lock()
	cq.paused = true
	cq.mu.Unlock()
}

// Resume re-enables processing and, if work is pending and nothing is
// in-flight, schedules the next entry.
func (q *Queue) Resume(ctx context.Context, conversationID string) {
	cq := q.convQueue(conversationID)
	cq.mu.Lock()
	cq.paused = false
	shouldSchedule := cq.processing == nil && len(cq.pending) > 0
	cq.mu.Unlock()
	if shouldSchedule {
		go q.processNext(ctx, conversationID)
	}
}

// processNext pops the next queued entry (if any), marks it processing,
// invokes the trigger handler, and schedules the following iteration as a
// deferred tick rather than a direct recursive call, bounding stack growth
// on large backlogs.
func (q *Queue) processNext(ctx context.Context, conversationID string) {
	cq := q.convQueue(conversationID)

	cq.mu.Lock()
	if cq.paused || cq.processing != nil || len(cq.pending) == 0 {
		cq.mu.Unlock()
		return
	}
	entry := cq.pending[0]
	cq.pending = cq.pending[1:]
	entry.Status = StatusProcessing
	cq.processing = entry
	cq.mu.Unlock()

	if q.broadcaster != nil {
		q.broadcaster.BroadcastQueueUpdate(ctx, conversationID, *entry)
	}

	err := q.trigger(ctx, entry.Event)

	cq.mu.Lock()
	now := time.Now()
	if err != nil {
		entry.Status = StatusFailed
		entry.Error = err.Error()
	} else {
		entry.Status = StatusCompleted
		q.mu.Lock()
		q.processedHourly = append(q.processedHourly, now)
		q.mu.Unlock()
	}
	entry.terminalAt = now
	cq.processing = nil
	cq.terminal = append(cq.terminal, entry)
	hasMore := !cq.paused && len(cq.pending) > 0
	cq.mu.Unlock()

	eventType := "push_event_processed"
	if q.persister != nil {
		q.persister.Persist(ctx, eventType, *entry)
	}
	if q.broadcaster != nil {
		q.broadcaster.BroadcastQueueUpdate(ctx, conversationID, *entry)
	}

	q.pruneTerminal(cq, now)

	if hasMore {
		// Deferred tick: schedule on a fresh goroutine rather than calling
		// directly, so a long backlog never grows the call stack.
		go q.processNext(ctx, conversationID)
	}
}

func (q *Queue) recordTerminal(ctx context.Context, conversationID string, entry *Entry) {
	cq := q.convQueue(conversationID)
	cq.mu.Lock()
	cq.terminal = append(cq.terminal, entry)
	cq.mu.Unlock()
	if q.persister != nil {
		q.persister.Persist(ctx, "push_event_duplicate_ignored", *entry)
	}
}

func (q *Queue) pruneTerminal(cq *conversationQueue, now time.Time) {
	cq.mu.Lock()
	defer cq.mu.Unlock()
	kept := cq.terminal[:0]
	for _, e := range cq.terminal {
		if now.Sub(e.terminalAt) < TerminalRetention {
			kept = append(kept, e)
		}
	}
	cq.terminal = kept
}

// Pending returns a snapshot of conversationID's queued (not yet processing)
// entries, oldest first.
func (q *Queue) Pending(conversationID string) []Entry {
	cq := q.convQueue(conversationID)
	cq.mu.Lock()
	defer cq.mu.Unlock()
	out := make([]Entry, 0, len(cq.pending))
	for _, e := range cq.pending {
		out = append(out, *e)
	}
	return out
}

// Processing returns the in-flight entry for conversationID, if any.
func (q *Queue) Processing(conversationID string) (Entry, bool) {
	cq := q.convQueue(conversationID)
	cq.mu.Lock()
	defer cq.mu.Unlock()
	if cq.processing == nil {
		return Entry{}, false
	}
	return *cq.processing, true
}

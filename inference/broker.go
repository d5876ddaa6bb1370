package inference

import (
	"context"
	"time"

	"goa.design/mcpl/internal/observability"
	"goa.design/mcpl/ratelimit"
	"goa.design/mcpl/telemetry"
)

// DefaultMaxInferencesPerHour is the global hourly inference quota.
const DefaultMaxInferencesPerHour = 30

// Request is a normalized mcpl/inference_request.
type Request struct {
	RequestID      string
	ServerID       string
	DelegateID     string
	ConversationID string
	FeatureSet     string
	SystemMessage  string
	UserMessage    string
	MaxTokens      int
	Stream         bool
}

// Engine is the external inference adapter: given a resolved model and a
// request, it invokes onChunk zero or more times (only when streaming) and
// returns the final content.
type Engine interface {
	Infer(ctx context.Context, route Route, req Request, onChunk func(chunkIndex int, delta string)) (content string, err error)
}

// Responder delivers inference_chunk and inference_response frames back to
// the requester over its reliable channel.
type Responder interface {
	SendChunk(ctx context.Context, requestID string, chunkIndex int, delta string) error
	SendResponse(ctx context.Context, requestID string, success bool, content, errMsg string) error
}

// RateLimitNotifier broadcasts a rate-limited notice to a conversation's
// room when the global quota is exhausted.
type RateLimitNotifier interface {
	NotifyRateLimited(ctx context.Context, conversationID string)
}

// ConversationModelResolver supplies the conversation's configured fallback
// model, used when the router has no rule and no explicit default.
type ConversationModelResolver func(conversationID string) Route

// Broker mediates MCP-server-to-host inference requests under a global
// hourly quota, resolving the model via a Router before invoking Engine.
type Broker struct {
	quota      *ratelimit.SlidingWindowCounter
	router     *Router
	engine     Engine
	convModel  ConversationModelResolver
	notifier   RateLimitNotifier
	obs        *observability.Recorder
}

// Option configures a Broker.
type Option func(*Broker)

// WithMaxInferencesPerHour overrides DefaultMaxInferencesPerHour.
func WithMaxInferencesPerHour(n int) Option {
	return func(b *Broker) { b.quota = ratelimit.NewSlidingWindowCounter(time.Hour, n) }
}

// WithRateLimitNotifier wires a UI broadcast callback for quota exhaustion.
func WithRateLimitNotifier(n RateLimitNotifier) Option {
	return func(b *Broker) { b.notifier = n }
}

// NewBroker constructs a Broker resolving models via router and executing
// requests through engine. convModel supplies the conversation's configured
// model when routing falls through to it.
func NewBroker(router *Router, engine Engine, convModel ConversationModelResolver, logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer, opts ...Option) *Broker {
	b := &Broker{
		quota:     ratelimit.NewSlidingWindowCounter(time.Hour, DefaultMaxInferencesPerHour),
		router:    router,
		engine:    engine,
		convModel: convModel,
		obs:       observability.New("inference", logger, metrics, tracer),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// ResolveRoute reports the model b.Handle would currently select for q,
// without consuming quota or invoking the engine. Used to answer
// mcpl/model_info_request; it cannot reflect a conversation-specific model
// override, since that is only resolved against a live conversationId at
// inference time.
func (b *Broker) ResolveRoute(q Query) Route {
	route, useConv, ok := b.router.Resolve(q)
	if useConv || !ok {
		return Route{}
	}
	return route
}

// Handle processes a single inference_request end to end: quota check,
// model resolution, engine invocation (streaming or not), and terminal
// response. It always sends exactly one inference_response.
func (b *Broker) Handle(ctx context.Context, req Request, resp Responder) {
	if !b.quota.Allow(ctx, time.Now()) {
		b.obs.Log(ctx, observability.Event{Operation: "inference_request", Subject: req.ConversationID, Outcome: observability.OutcomeSkipped, Error: "hourly inference quota exceeded"})
		if b.notifier != nil {
			b.notifier.NotifyRateLimited(ctx, req.ConversationID)
		}
		_ = resp.SendResponse(ctx, req.RequestID, false, "", "hourly inference quota exceeded")
		return
	}

	route, useConv, ok := b.router.Resolve(Query{FeatureSet: req.FeatureSet, DelegateID: req.DelegateID, ServerID: req.ServerID})
	if useConv || !ok {
		if b.convModel == nil {
			_ = resp.SendResponse(ctx, req.RequestID, false, "", "no model configured for conversation")
			return
		}
		route = b.convModel(req.ConversationID)
	}

	var onChunk func(int, string)
	if req.Stream {
		nextIndex := 0
		onChunk = func(_ int, delta string) {
			idx := nextIndex
			nextIndex++
			if err := resp.SendChunk(ctx, req.RequestID, idx, delta); err != nil {
				b.obs.Log(ctx, observability.Event{Operation: "inference_chunk", Subject: req.RequestID, Outcome: observability.OutcomeError, Error: err.Error()})
			}
		}
	}

	content, err := b.engine.Infer(ctx, route, req, onChunk)
	if err != nil {
		_ = resp.SendResponse(ctx, req.RequestID, false, "", err.Error())
		return
	}

	// inference_response also serves as the stream terminator; there is no
	// separate "done" chunk.
	if err := resp.SendResponse(ctx, req.RequestID, true, content, ""); err != nil {
		b.obs.Log(ctx, observability.Event{Operation: "inference_response", Subject: req.RequestID, Outcome: observability.OutcomeError, Error: err.Error()})
		return
	}
	b.obs.Log(ctx, observability.Event{Operation: "inference_request", Subject: req.ConversationID, Outcome: observability.OutcomeSuccess})
}

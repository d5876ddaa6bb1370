// Package observability provides a shared structured-logging, metrics, and
// tracing helper reused by every MCPL runtime component.
package observability

import (
	"context"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"goa.design/mcpl/telemetry"
)

// Outcome classifies the result of a recorded operation.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
	OutcomeSkipped Outcome = "skipped"
	OutcomeTimeout Outcome = "timeout"
)

// Event is a structured record of one component operation.
type Event struct {
	// Operation names the action performed, e.g. "execute_tool", "push", "rollback".
	Operation string
	// Subject identifies the primary entity involved, e.g. a delegateId or conversationId.
	Subject string
	// Duration is how long the operation took.
	Duration time.Duration
	// Outcome is the result of the operation.
	Outcome Outcome
	// Error is the error message if the operation failed.
	Error string
	// Count is a generic result-size field (items returned, injections aggregated, …).
	Count int
}

// Recorder bundles a Logger, Metrics, and Tracer behind the operations every
// component needs: structured logging, duration/outcome metrics, and spans.
// The component field namespaces log messages and metric names so a single
// process can host many Recorders without name collisions.
type Recorder struct {
	component string
	logger    telemetry.Logger
	metrics   telemetry.Metrics
	tracer    telemetry.Tracer
}

// New constructs a Recorder for component, falling back to noop
// implementations for any nil dependency.
func New(component string, logger telemetry.Logger, metrics telemetry.Metrics, tracer telemetry.Tracer) *Recorder {
	r := &Recorder{component: component, logger: logger, metrics: metrics, tracer: tracer}
	if r.logger == nil {
		r.logger = telemetry.NewNoopLogger()
	}
	if r.metrics == nil {
		r.metrics = telemetry.NewNoopMetrics()
	}
	if r.tracer == nil {
		r.tracer = telemetry.NewNoopTracer()
	}
	return r
}

// Log emits a structured log event at a level derived from the outcome.
func (r *Recorder) Log(ctx context.Context, ev Event) {
	keyvals := []any{
		"component", r.component,
		"operation", ev.Operation,
		"outcome", string(ev.Outcome),
		"duration_ms", ev.Duration.Milliseconds(),
	}
	if ev.Subject != "" {
		keyvals = append(keyvals, "subject", ev.Subject)
	}
	if ev.Count > 0 {
		keyvals = append(keyvals, "count", ev.Count)
	}
	if ev.Error != "" {
		keyvals = append(keyvals, "error", ev.Error)
	}
	msg := r.component + " operation completed"
	switch ev.Outcome {
	case OutcomeError:
		r.logger.Error(ctx, msg, keyvals...)
	case OutcomeSkipped, OutcomeTimeout:
		r.logger.Warn(ctx, msg, keyvals...)
	default:
		r.logger.Info(ctx, msg, keyvals...)
	}
}

// Record emits duration/outcome metrics for the operation.
func (r *Recorder) Record(ev Event) {
	tags := []string{"component", r.component, "operation", ev.Operation, "outcome", string(ev.Outcome)}
	r.metrics.RecordTimer(r.component+".operation.duration", ev.Duration, tags...)
	switch ev.Outcome {
	case OutcomeSuccess:
		r.metrics.IncCounter(r.component+".operation.success", 1, tags...)
	case OutcomeError:
		r.metrics.IncCounter(r.component+".operation.error", 1, tags...)
	case OutcomeSkipped:
		r.metrics.IncCounter(r.component+".operation.skipped", 1, tags...)
	case OutcomeTimeout:
		r.metrics.IncCounter(r.component+".operation.timeout", 1, tags...)
	}
	if ev.Count > 0 {
		r.metrics.RecordGauge(r.component+".operation.count", float64(ev.Count), tags...)
	}
}

// StartSpan starts a span named "<component>.<operation>".
func (r *Recorder) StartSpan(ctx context.Context, operation string, attrs ...attribute.KeyValue) (context.Context, telemetry.Span) {
	return r.tracer.Start(ctx, r.component+"."+operation,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attrs...),
	)
}

// EndSpan closes span, recording err if non-nil.
func EndSpan(span telemetry.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// InjectTraceContext injects the W3C trace context (traceparent/tracestate)
// from ctx into header, for propagation over the reliable channel.
func InjectTraceContext(ctx context.Context, header http.Header) {
	if ctx == nil || header == nil {
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(header))
}

// ExtractTraceContext extracts a W3C trace context from header into a child
// context of ctx. No package in this module calls it.
func ExtractTraceContext(ctx context.Context, header http.Header) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if header == nil {
		return ctx
	}
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(header))
}

// Package telemetry wires OpenTelemetry tracing into the RPC runtime and
// exports runtime events (transactions, rollbacks, subscription lifecycle)
// to an optional sink.
package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Tracer wraps OpenTelemetry tracing with runtime-specific helpers.
type Tracer struct {
	tracer trace.Tracer
	debug  bool // When true, include request params in span attributes
}

var (
	globalTracer *Tracer
	tracerMu     sync.RWMutex
)

// SetGlobalTracer sets the global tracer instance.
func SetGlobalTracer(t *Tracer) {
	tracerMu.Lock()
	defer tracerMu.Unlock()
	globalTracer = t
}

// GetTracer returns the global tracer, or a no-op tracer if not set.
func GetTracer() *Tracer {
	tracerMu.RLock()
	defer tracerMu.RUnlock()
	if globalTracer == nil {
		return &Tracer{tracer: noop.NewTracerProvider().Tracer("")}
	}
	return globalTracer
}

// NewTracer creates a new tracer with the given name.
func NewTracer(name string, debug bool) *Tracer {
	return &Tracer{
		tracer: otel.Tracer(name),
		debug:  debug,
	}
}

// Debug returns whether debug mode is enabled.
func (t *Tracer) Debug() bool {
	return t.debug
}

// StartSpan starts a new span with the given name.
func (t *Tracer) StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, opts...)
}

// --- Request Spans ---

// RequestSpanOptions describes a finished RPC dispatch.
type RequestSpanOptions struct {
	Notification bool
	ErrorCode    int    // wire code, zero on success
	Params       string // Only included if debug=true
}

// StartRequestSpan starts a server span for one RPC method.
func (t *Tracer) StartRequestSpan(ctx context.Context, method string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "rpc."+method, trace.WithSpanKind(trace.SpanKindServer))
	span.SetAttributes(
		attribute.String("rpc.system", "jsonrpc"),
		attribute.String("rpc.method", method),
	)
	return ctx, span
}

// EndRequestSpan ends a request span with attributes.
func (t *Tracer) EndRequestSpan(span trace.Span, opts RequestSpanOptions, err error) {
	span.SetAttributes(attribute.Bool("rpc.notification", opts.Notification))
	if opts.ErrorCode != 0 {
		span.SetAttributes(attribute.Int("rpc.jsonrpc.error_code", opts.ErrorCode))
	}
	if t.debug && opts.Params != "" {
		span.SetAttributes(attribute.String("rpc.params", truncate(opts.Params, 2000)))
	}
	end(span, err)
}

// --- Transaction Spans ---

// TxnSpanOptions describes a finished transaction commit.
type TxnSpanOptions struct {
	Operations int
	Completed  int
	Undone     int
	Failures   int
}

// StartTxnSpan starts a span for a transaction commit.
func (t *Tracer) StartTxnSpan(ctx context.Context) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, "txn.commit", trace.WithSpanKind(trace.SpanKindInternal))
}

// EndTxnSpan ends a transaction span with attributes.
func (t *Tracer) EndTxnSpan(span trace.Span, opts TxnSpanOptions, err error) {
	span.SetAttributes(
		attribute.Int("txn.operations", opts.Operations),
		attribute.Int("txn.completed", opts.Completed),
	)
	if err != nil {
		span.SetAttributes(
			attribute.Int("txn.rollback.undone", opts.Undone),
			attribute.Int("txn.rollback.failures", opts.Failures),
		)
	}
	end(span, err)
}

// --- Detection Spans ---

// StartCycleSpan starts a span for one change-detection cycle over a table.
func (t *Tracer) StartCycleSpan(ctx context.Context, table string) (context.Context, trace.Span) {
	ctx, span := t.tracer.Start(ctx, "subscription.cycle", trace.WithSpanKind(trace.SpanKindInternal))
	span.SetAttributes(attribute.String("store.table", table))
	return ctx, span
}

// EndCycleSpan ends a detection span.
func (t *Tracer) EndCycleSpan(span trace.Span, from, to uint64, changes int, err error) {
	span.SetAttributes(
		attribute.Int64("store.version.from", int64(from)),
		attribute.Int64("store.version.to", int64(to)),
		attribute.Int("subscription.changes", changes),
	)
	end(span, err)
}

func end(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End()
}

// --- Context Propagation ---

// ExtractContext extracts trace context from a carrier, such as
// propagation.HeaderCarrier over an HTTP request's headers.
func ExtractContext(ctx context.Context, carrier propagation.TextMapCarrier) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, carrier)
}

// InjectContext injects trace context into a carrier.
func InjectContext(ctx context.Context, carrier propagation.TextMapCarrier) {
	otel.GetTextMapPropagator().Inject(ctx, carrier)
}

// --- Helpers ---

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}

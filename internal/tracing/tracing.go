// Package tracing wraps go.opentelemetry.io/otel spans around path walks
// and mount operations. The Handle interface and its
// StartSpan/StartServerSpan/EndSpan shape are grounded on gcsfuse's
// tracing package test surface
// (noop_trace_benchmark_test.go's NewNoopTracer/StartSpan/StartServerSpan/
// EndSpan calls); NoopTracer here satisfies that same shape, and Tracer
// wraps a real otel/sdk/trace.TracerProvider for production use.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// Handle abstracts span creation so vfs code can run with a real otel
// exporter wired in production and a no-op in unit tests.
type Handle interface {
	StartSpan(ctx context.Context, name string) (context.Context, trace.Span)
	StartServerSpan(ctx context.Context, name string) (context.Context, trace.Span)
	EndSpan(span trace.Span)
}

// Tracer is the production Handle, backed by an otel trace.Tracer obtained
// from a configured TracerProvider (set up in cmd/badgerfs via
// go.opentelemetry.io/otel/sdk/trace).
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer wraps tp's "badgerfs/vfscore" tracer.
func NewTracer(tp trace.TracerProvider) *Tracer {
	return &Tracer{tracer: tp.Tracer("badgerfs/vfscore")}
}

func (t *Tracer) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindInternal))
}

func (t *Tracer) StartServerSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return t.tracer.Start(ctx, name, trace.WithSpanKind(trace.SpanKindServer))
}

func (t *Tracer) EndSpan(span trace.Span) {
	span.End()
}

// NoopTracer discards every span, used by default and in tests so callers
// never need a nil check.
type NoopTracer struct{}

// NewNoopTracer returns a Handle whose spans carry no data and record
// nothing.
func NewNoopTracer() *NoopTracer {
	return &NoopTracer{}
}

func (NoopTracer) StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return trace.NewNoopTracerProvider().Tracer("noop").Start(ctx, name)
}

func (NoopTracer) StartServerSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return trace.NewNoopTracerProvider().Tracer("noop").Start(ctx, name, trace.WithSpanKind(trace.SpanKindServer))
}

func (NoopTracer) EndSpan(span trace.Span) {
	span.End()
}

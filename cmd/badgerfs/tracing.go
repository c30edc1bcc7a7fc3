package main

import (
	"context"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/badger-os/vfscore/internal/tracing"
	"github.com/badger-os/vfscore/internal/vfs"
)

// wireTracer attaches a real otel tracer to state when tracing is enabled
// in config, leaving the no-op default from vfs.NewState otherwise.
func wireTracer(state *vfs.State, enabled bool) func() {
	if !enabled {
		return func() {}
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	state.SetTracer(tracing.NewTracer(tp))
	return func() { tp.Shutdown(context.Background()) }
}

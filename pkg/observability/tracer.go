package observability

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Span names recorded by the engine.
const (
	// SpanWorkerTurn covers one worker turn, generation through conclusion.
	SpanWorkerTurn = "worker.turn"

	// SpanToolExecution covers one tool call through the executor pipeline.
	SpanToolExecution = "tool.execution"
)

// InitTracer installs the global tracer provider. When w is nil tracing is
// a no-op; otherwise spans are exported to w in stdouttrace's debug format.
// The returned shutdown func flushes pending spans.
func InitTracer(w io.Writer) (trace.Tracer, func(context.Context) error, error) {
	if w == nil {
		provider := noop.NewTracerProvider()
		otel.SetTracerProvider(provider)
		return provider.Tracer("maestro"), func(context.Context) error { return nil }, nil
	}

	exporter, err := stdouttrace.New(
		stdouttrace.WithWriter(w),
		stdouttrace.WithPrettyPrint(),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create trace exporter: %w", err)
	}
	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)
	return provider.Tracer("maestro"), provider.Shutdown, nil
}

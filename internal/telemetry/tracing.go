// Package telemetry installs the OpenTelemetry tracer provider used by the turn
// and HTTP spans.
package telemetry

import (
	"context"
	"fmt"
	"io"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// ShutdownFunc flushes and stops the tracer provider.
type ShutdownFunc func(ctx context.Context) error

// Options configure tracing.
type Options struct {
	ServiceName    string
	ServiceVersion string
	// Writer receives exported spans as JSON lines.
	Writer io.Writer
	// SampleRatio in (0,1]; zero means always sample.
	SampleRatio float64
}

// SetupTracing installs a global tracer provider that exports spans to
// opts.Writer. Without it otel's default no-op provider stays in place and
// spans cost next to nothing.
func SetupTracing(opts Options) (ShutdownFunc, error) {
	if opts.Writer == nil {
		return nil, fmt.Errorf("telemetry: writer is required")
	}
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(opts.Writer))
	if err != nil {
		return nil, fmt.Errorf("create span exporter: %w", err)
	}

	res := resource.NewWithAttributes(
		"",
		attribute.String("service.name", opts.ServiceName),
		attribute.String("service.version", opts.ServiceVersion),
	)
	sampler := sdktrace.AlwaysSample()
	if opts.SampleRatio > 0 && opts.SampleRatio < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(opts.SampleRatio))
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
)

type tracingOptions struct {
	writer      io.Writer
	prettyPrint bool
	sampler     trace.Sampler
}

type Option func(*tracingOptions)

// WithWriter sends exported spans to w instead of stdout.
func WithWriter(w io.Writer) Option {
	return func(o *tracingOptions) {
		o.writer = w
	}
}

func WithPrettyPrint(enabled bool) Option {
	return func(o *tracingOptions) {
		o.prettyPrint = enabled
	}
}

func WithSampleRatio(ratio float64) Option {
	return func(o *tracingOptions) {
		o.sampler = trace.ParentBased(trace.TraceIDRatioBased(ratio))
	}
}

func newResource(serviceName, serviceVersion string) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(serviceName),
		semconv.ServiceVersion(serviceVersion),
	)
}

// InitTracing installs a global tracer provider that exports spans with the
// stdout exporter, and the W3C trace-context propagator.
func InitTracing(serviceName, serviceVersion string, opts ...Option) (*trace.TracerProvider, error) {
	options := &tracingOptions{
		writer:      os.Stdout,
		prettyPrint: true,
		sampler:     trace.ParentBased(trace.AlwaysSample()),
	}
	for _, opt := range opts {
		opt(options)
	}

	exporterOpts := []stdouttrace.Option{stdouttrace.WithWriter(options.writer)}
	if options.prettyPrint {
		exporterOpts = append(exporterOpts, stdouttrace.WithPrettyPrint())
	}

	exporter, err := stdouttrace.New(exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	tp := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(newResource(serviceName, serviceVersion)),
		trace.WithSampler(options.sampler),
	)

	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	return tp, nil
}

func ShutdownTracing(ctx context.Context, tp *trace.TracerProvider) error {
	return tp.Shutdown(ctx)
}

package telemetry

import (
	"context"
	"log"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Options configures the trace exporter. A zero Endpoint disables tracing
// entirely, which is the default for local development.
type Options struct {
	Endpoint    string
	Insecure    bool
	SampleRatio float64
}

// Setup installs an OTLP gRPC tracer provider and returns a shutdown
// function. Setup never fails the caller: exporter problems are logged and
// tracing stays off.
func Setup(serviceName string, options Options) func(context.Context) error {
	noop := func(context.Context) error { return nil }
	if options.Endpoint == "" {
		return noop
	}

	grpcOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(options.Endpoint)}
	if options.Insecure {
		grpcOpts = append(grpcOpts, otlptracegrpc.WithInsecure())
	}

	exporter, err := otlptracegrpc.New(context.Background(), grpcOpts...)
	if err != nil {
		log.Printf("event=otel_exporter_error error=%q", err)
		return noop
	}

	res, err := resource.New(context.Background(), resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		log.Printf("event=otel_resource_error error=%q", err)
	}

	ratio := options.SampleRatio
	if ratio <= 0 || ratio > 1 {
		ratio = 1
	}

	provider := trace.NewTracerProvider(
		trace.WithBatcher(exporter),
		trace.WithResource(res),
		trace.WithSampler(trace.ParentBased(trace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(provider)

	return func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		return provider.Shutdown(ctx)
	}
}

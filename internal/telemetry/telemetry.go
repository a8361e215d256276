// Package telemetry wires an OpenTelemetry tracer for the broker core. Each
// dispatched request gets one span (see internal/dispatcher), tagged with
// the frame type, requestId, and moduleId, so a deployment that already
// runs an OTLP collector for its other services gets the broker's request
// path in the same trace backend. Exporting is optional: with no collector
// endpoint configured, Setup installs a no-op tracer provider and the rest
// of the broker runs identically.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/bytesonus/juno/internal/dispatcher"

// Setup configures the global tracer provider. If endpoint is empty,
// tracing is a local no-op and Shutdown is a no-op too.
func Setup(ctx context.Context, serviceName, endpoint string) (shutdown func(context.Context) error, err error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exp, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpoint(endpoint), otlptracehttp.WithInsecure())
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(resource.Default(), resource.NewSchemaless(
		semconv.ServiceNameKey.String(serviceName),
	))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(2*time.Second)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// Tracer returns the broker's request-dispatch tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// Package telemetry wires OpenTelemetry providers, Prometheus collectors over
// component stats and the health HTTP server.
package telemetry

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
)

// Providers holds the SDK providers handed to the session
type Providers struct {
	Meter  *sdkmetric.MeterProvider
	Tracer *sdktrace.TracerProvider

	reader *sdkmetric.ManualReader
}

// NewResource creates a new OpenTelemetry resource with service name
func NewResource(serviceName, instanceID string) *resource.Resource {
	return resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceNameKey.String(serviceName),
		semconv.ServiceInstanceIDKey.String(instanceID),
		attribute.String("orion.component", "scand"),
	)
}

// NewProviders creates meter and tracer providers sharing one resource.
// Metrics are pulled through a manual reader (see Collect).
func NewProviders(serviceName, instanceID string) *Providers {
	res := NewResource(serviceName, instanceID)
	reader := sdkmetric.NewManualReader()

	return &Providers{
		Meter: sdkmetric.NewMeterProvider(
			sdkmetric.WithResource(res),
			sdkmetric.WithReader(reader),
		),
		Tracer: sdktrace.NewTracerProvider(
			sdktrace.WithResource(res),
			sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.01))),
		),
		reader: reader,
	}
}

// Collect gathers the current OpenTelemetry metric state
func (p *Providers) Collect(ctx context.Context) (metricdata.ResourceMetrics, error) {
	var rm metricdata.ResourceMetrics
	err := p.reader.Collect(ctx, &rm)
	return rm, err
}

// Shutdown flushes and stops both providers
func (p *Providers) Shutdown(ctx context.Context) error {
	return errors.Join(
		p.Meter.Shutdown(ctx),
		p.Tracer.Shutdown(ctx),
	)
}

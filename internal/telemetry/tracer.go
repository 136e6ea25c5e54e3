// Package telemetry wires OpenTelemetry tracing for the vault service.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ServiceName identifies spans emitted by the vault service.
const ServiceName = "future-vault"

// Options configures InitTracer.
type Options struct {
	Version string
	Env     string
	// Writer receives exported spans; nil means stdout. Pretty printing is enabled in dev.
	Writer io.Writer
}

// TracerProvider is the global tracer provider
var TracerProvider *sdktrace.TracerProvider

// InitTracer initializes the OpenTelemetry tracer and installs it globally.
func InitTracer(opts Options) (*sdktrace.TracerProvider, error) {
	var exOpts []stdouttrace.Option
	if opts.Writer != nil {
		exOpts = append(exOpts, stdouttrace.WithWriter(opts.Writer))
	}
	if opts.Env == "dev" {
		exOpts = append(exOpts, stdouttrace.WithPrettyPrint())
	}
	exporter, err := stdouttrace.New(exOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create stdout exporter: %w", err)
	}

	version := opts.Version
	if version == "" {
		version = "dev"
	}
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(version),
			semconv.DeploymentEnvironment(opts.Env),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	TracerProvider = tp
	return tp, nil
}

// ShutdownTracer flushes and shuts down the tracer provider
func ShutdownTracer(ctx context.Context) {
	if TracerProvider != nil {
		if err := TracerProvider.Shutdown(ctx); err != nil {
			slog.Error("error shutting down tracer provider", "error", err)
		}
		TracerProvider = nil
	}
}

// Package tracing provides OpenTelemetry setup for the harness.
//
// Tracing is off unless an OTLP endpoint is configured; without one a no-op
// tracer is used and span creation costs nothing measurable.
package tracing

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/kaselby/aleph-harness/internal/config"
)

var (
	mu          sync.Mutex
	provider    trace.TracerProvider = noop.NewTracerProvider()
	sdkProvider *sdktrace.TracerProvider
)

// Setup installs a tracer provider per the telemetry config. Safe to call
// once at startup; without an endpoint it leaves the no-op provider in place.
func Setup(ctx context.Context, cfg config.TelemetryConfig, agentID string) error {
	if !cfg.Enabled || cfg.Endpoint == "" {
		return nil
	}

	var (
		exporter *otlptrace.Exporter
		err      error
	)
	switch cfg.Protocol {
	case "grpc":
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpointHost(cfg.Endpoint))}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	default:
		opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(endpointHost(cfg.Endpoint))}
		if cfg.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	}
	if err != nil {
		return fmt.Errorf("otlp exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "aleph"
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(serviceName),
			semconv.ServiceInstanceID(agentID),
		),
	)
	if err != nil {
		res = resource.Default()
	}

	mu.Lock()
	defer mu.Unlock()
	sdkProvider = sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	provider = sdkProvider
	otel.SetTracerProvider(provider)
	return nil
}

// Tracer returns a named tracer; no-op when tracing is disabled.
func Tracer(name string) trace.Tracer {
	mu.Lock()
	defer mu.Unlock()
	return provider.Tracer(name)
}

// Shutdown flushes pending spans.
func Shutdown(ctx context.Context) error {
	mu.Lock()
	defer mu.Unlock()
	if sdkProvider != nil {
		return sdkProvider.Shutdown(ctx)
	}
	return nil
}

// endpointHost strips the scheme for the OTLP exporters' endpoint option.
func endpointHost(endpoint string) string {
	for _, prefix := range []string{"https://", "http://"} {
		if strings.HasPrefix(endpoint, prefix) {
			return endpoint[len(prefix):]
		}
	}
	return endpoint
}

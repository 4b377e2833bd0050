//go:build otel

package cmd

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/nextlevelbuilder/zapbridge/internal/config"
)

// initOTelExporter wires the global tracer provider to an OTLP backend.
// Returns a cleanup that flushes and shuts the provider down, or nil when
// telemetry is disabled.
func initOTelExporter(ctx context.Context, cfg *config.Config) func() {
	tc := cfg.Telemetry
	if !tc.Enabled || tc.Endpoint == "" {
		return nil
	}

	serviceName := tc.ServiceName
	if serviceName == "" {
		serviceName = "zapbridge"
	}

	var (
		exporter *otlptrace.Exporter
		err      error
	)
	switch tc.Protocol {
	case "http":
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(tc.Endpoint),
		}
		if tc.Insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(tc.Headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(tc.Headers))
		}
		exporter, err = otlptracehttp.New(ctx, opts...)
	default: // grpc
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(tc.Endpoint),
		}
		if tc.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		if len(tc.Headers) > 0 {
			opts = append(opts, otlptracegrpc.WithHeaders(tc.Headers))
		}
		exporter, err = otlptracegrpc.New(ctx, opts...)
	}
	if err != nil {
		slog.Warn("otel exporter setup failed, traces stay local", "error", err)
		return nil
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(sdkresource.NewSchemaless(
			attribute.String("service.name", serviceName),
			attribute.String("service.version", Version),
		)),
	)
	otel.SetTracerProvider(provider)
	slog.Info("otel trace export enabled",
		"endpoint", tc.Endpoint, "protocol", tc.Protocol, "service", serviceName)

	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			slog.Warn("otel provider shutdown", "error", err)
		}
	}
}

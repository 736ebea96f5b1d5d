package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// ExportConfig configures the OTLP metric exporter.
type ExportConfig struct {
	Endpoint    string            // OTLP endpoint (e.g. "localhost:4317")
	Protocol    string            // "grpc" (default) or "http"
	Insecure    bool              // skip TLS for local collectors
	Headers     map[string]string // extra headers (auth tokens, etc.)
	ServiceName string            // default "fastpair"
	Interval    time.Duration     // export period, default 30s
}

// NewMeterProvider builds an SDK meter provider that pushes to an OTLP
// collector. Callers must Shutdown it to flush the last samples.
func NewMeterProvider(ctx context.Context, cfg ExportConfig) (*sdkmetric.MeterProvider, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("metrics: OTLP endpoint is required")
	}
	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "fastpair"
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, fmt.Errorf("metrics: otel resource: %w", err)
	}

	var exporter sdkmetric.Exporter
	switch cfg.Protocol {
	case "http":
		opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlpmetrichttp.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlpmetrichttp.WithHeaders(cfg.Headers))
		}
		exporter, err = otlpmetrichttp.New(ctx, opts...)
	case "grpc", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
		if cfg.Insecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		if len(cfg.Headers) > 0 {
			opts = append(opts, otlpmetricgrpc.WithHeaders(cfg.Headers))
		}
		exporter, err = otlpmetricgrpc.New(ctx, opts...)
	default:
		return nil, fmt.Errorf("metrics: unknown OTLP protocol %q", cfg.Protocol)
	}
	if err != nil {
		return nil, fmt.Errorf("metrics: otel exporter: %w", err)
	}

	return sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
		sdkmetric.WithResource(res),
	), nil
}

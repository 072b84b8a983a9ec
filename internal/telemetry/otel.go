// Package telemetry wires OpenTelemetry tracing for the API and the heartbeat worker.
package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

const exportTimeout = 5 * time.Second

// Config mirrors the standard OTEL_EXPORTER_OTLP_* and OTEL_TRACES_SAMPLER* settings.
type Config struct {
	ServiceName string
	AppID       string
	Environment string
	Version     string

	Endpoint string
	Protocol string
	Headers  map[string]string
	// Insecure overrides the scheme-derived transport security when set.
	Insecure *bool

	Sampler      string
	SamplerRatio float64
}

type ShutdownFunc func(context.Context) error

// Init installs the global propagator and, when an endpoint is configured, a batching
// tracer provider. The returned func flushes and stops it.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (ShutdownFunc, error) {
	if logger == nil {
		logger = slog.Default()
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	if strings.TrimSpace(cfg.Endpoint) == "" {
		logger.Info("tracing disabled", "reason", "no OTLP endpoint configured")
		return func(context.Context) error { return nil }, nil
	}

	target, err := resolveTarget(cfg)
	if err != nil {
		return nil, err
	}
	exporter, err := newExporter(ctx, target, cfg.Headers)
	if err != nil {
		return nil, err
	}

	res, err := resource.Merge(resource.Default(), resource.NewWithAttributes("", resourceAttributes(cfg)...))
	if err != nil {
		return nil, fmt.Errorf("build otel resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.Sampler, cfg.SamplerRatio)),
		sdktrace.WithBatcher(exporter),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "service", cfg.ServiceName, "protocol", target.protocol, "endpoint", target.display())
	return tp.Shutdown, nil
}

func resourceAttributes(cfg Config) []attribute.KeyValue {
	attrs := []attribute.KeyValue{attribute.String("service.name", strings.TrimSpace(cfg.ServiceName))}
	if v := strings.TrimSpace(cfg.AppID); v != "" {
		attrs = append(attrs, attribute.String("cosplans.app_id", v))
	}
	if v := strings.TrimSpace(cfg.Environment); v != "" {
		attrs = append(attrs, attribute.String("deployment.environment", v))
	}
	if v := strings.TrimSpace(cfg.Version); v != "" {
		attrs = append(attrs, attribute.String("service.version", v))
	}
	return attrs
}

type exportTarget struct {
	protocol string
	host     string
	path     string
	insecure bool
}

func (t exportTarget) display() string {
	return t.host + t.path
}

// resolveTarget turns an endpoint such as "collector", "collector:4317" or
// "https://otel.example.com/v1/traces" into exporter settings. Bare hosts get the
// protocol's default port and plaintext transport.
func resolveTarget(cfg Config) (exportTarget, error) {
	raw := strings.TrimSpace(cfg.Endpoint)
	target := exportTarget{protocol: "grpc"}
	switch strings.ToLower(strings.TrimSpace(cfg.Protocol)) {
	case "http", "http/protobuf":
		target.protocol = "http"
		target.path = "/v1/traces"
	}

	if strings.Contains(raw, "://") {
		parsed, err := url.Parse(raw)
		if err != nil {
			return exportTarget{}, fmt.Errorf("invalid OTLP endpoint: %w", err)
		}
		if parsed.Host == "" {
			return exportTarget{}, fmt.Errorf("invalid OTLP endpoint %q: host is required", raw)
		}
		target.host = parsed.Host
		target.insecure = parsed.Scheme == "http"
		if target.protocol == "http" && parsed.Path != "" && parsed.Path != "/" {
			target.path = parsed.Path
		}
	} else {
		target.host = raw
		target.insecure = true
	}

	if !strings.Contains(target.host, ":") {
		port := "4317"
		if target.protocol == "http" {
			port = "4318"
		}
		target.host += ":" + port
	}
	if cfg.Insecure != nil {
		target.insecure = *cfg.Insecure
	}
	return target, nil
}

func newExporter(ctx context.Context, target exportTarget, headers map[string]string) (sdktrace.SpanExporter, error) {
	if target.protocol == "http" {
		opts := []otlptracehttp.Option{
			otlptracehttp.WithEndpoint(target.host),
			otlptracehttp.WithURLPath(target.path),
			otlptracehttp.WithTimeout(exportTimeout),
		}
		if target.insecure {
			opts = append(opts, otlptracehttp.WithInsecure())
		}
		if len(headers) > 0 {
			opts = append(opts, otlptracehttp.WithHeaders(headers))
		}
		exporter, err := otlptracehttp.New(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create OTLP HTTP exporter: %w", err)
		}
		return exporter, nil
	}

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(target.host),
		otlptracegrpc.WithTimeout(exportTimeout),
	}
	if target.insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	if len(headers) > 0 {
		opts = append(opts, otlptracegrpc.WithHeaders(headers))
	}
	exporter, err := otlptracegrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create OTLP gRPC exporter: %w", err)
	}
	return exporter, nil
}

func sampler(name string, ratio float64) sdktrace.Sampler {
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "always_off", "alwaysoff":
		return sdktrace.NeverSample()
	case "always_on", "alwayson":
		return sdktrace.AlwaysSample()
	case "traceidratio":
		return sdktrace.TraceIDRatioBased(ratio)
	default:
		return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
	}
}

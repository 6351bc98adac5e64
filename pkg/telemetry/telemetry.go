// Package telemetry wires OpenTelemetry tracing for the server and CLI.
package telemetry

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.25.0"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const defaultServiceName = "notesync"

type Config struct {
	ServiceName string
	Endpoint    string
	Headers     map[string]string
	Timeout     time.Duration
	Insecure    bool
	// Required turns exporter setup failures into startup errors.
	Required bool
	Sampler  trace.Sampler
}

// ConfigFromEnv reads the standard OTEL_* keys.
func ConfigFromEnv(serviceName string) Config {
	return Config{
		ServiceName: serviceName,
		Endpoint:    strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")),
		Headers:     parseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
		Timeout:     time.Second * time.Duration(envInt("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", 5)),
		Insecure:    os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		Required:    os.Getenv("OTEL_REQUIRED") == "true",
		Sampler:     parseSampler(os.Getenv("OTEL_TRACES_SAMPLER"), os.Getenv("OTEL_TRACES_SAMPLER_ARG")),
	}
}

// Init installs a global tracer provider and returns its shutdown func.
// Without an endpoint spans are sampled but never exported.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (func(context.Context) error, error) {
	if logger == nil {
		logger = slog.Default()
	}
	name := serviceName(cfg.ServiceName)
	sampler := cfg.Sampler
	if sampler == nil {
		sampler = parseSampler("", "")
	}
	res, _ := resource.Merge(resource.Default(), resource.NewWithAttributes(
		semconv.SchemaURL,
		semconv.ServiceName(name),
	))
	providerOpts := []trace.TracerProviderOption{trace.WithResource(res), trace.WithSampler(sampler)}
	if cfg.Endpoint != "" {
		exporter, err := newExporter(ctx, cfg)
		switch {
		case err == nil:
			providerOpts = append(providerOpts, trace.WithBatcher(exporter))
		case cfg.Required:
			return nil, err
		default:
			logger.Warn("otel exporter disabled", "err", err)
		}
	}
	tp := trace.NewTracerProvider(providerOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.TraceContext{})
	return tp.Shutdown, nil
}

func newExporter(ctx context.Context, cfg Config) (trace.SpanExporter, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(cfg.Endpoint),
		otlptracehttp.WithTimeout(timeout),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	if len(cfg.Headers) > 0 {
		opts = append(opts, otlptracehttp.WithHeaders(cfg.Headers))
	}
	return otlptracehttp.New(ctx, opts...)
}

// Tracer returns the package tracer from the global provider.
func Tracer() oteltrace.Tracer {
	return otel.Tracer(defaultServiceName)
}

func parseSampler(name, arg string) trace.Sampler {
	name = strings.ToLower(strings.TrimSpace(name))
	ratio := 1.0
	if val, err := strconv.ParseFloat(strings.TrimSpace(arg), 64); err == nil {
		ratio = min(max(val, 0), 1)
	}
	switch name {
	case "always_on":
		return trace.AlwaysSample()
	case "always_off":
		return trace.NeverSample()
	case "traceidratio":
		return trace.TraceIDRatioBased(ratio)
	default:
		return trace.ParentBased(trace.TraceIDRatioBased(ratio))
	}
}

// HTTPMiddleware instruments inbound HTTP handlers.
func HTTPMiddleware(name string) func(http.Handler) http.Handler {
	return otelhttp.NewMiddleware(serviceName(name))
}

// InstrumentClient wraps an HTTP client with OTel transport.
func InstrumentClient(client *http.Client) *http.Client {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	base := client.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	client.Transport = otelhttp.NewTransport(base)
	return client
}

func serviceName(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return name
	}
	return defaultServiceName
}

func parseHeaders(raw string) map[string]string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	out := map[string]string{}
	for _, part := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		if k = strings.TrimSpace(k); k != "" {
			out[k] = strings.TrimSpace(v)
		}
	}
	return out
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

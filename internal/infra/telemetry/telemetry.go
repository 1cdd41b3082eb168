// Package telemetry wires the OpenTelemetry meter provider and the shared
// attribute vocabulary used by tokencart instruments.
package telemetry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.32.0"
)

const (
	serviceName        = "tokencart"
	serviceVersion     = "1.0.0"
	defaultEnvironment = "development"
	defaultEndpoint    = "localhost:4318"
	defaultInterval    = 30 * time.Second
)

var environment atomic.Pointer[string]

// histogramBuckets pins explicit bucket boundaries (milliseconds) for the
// latency histograms recorded across the service.
var histogramBuckets = map[string][]float64{
	"sync.mutation.duration":       {1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
	"reservation.reserve.duration": {0.5, 1, 2, 5, 10, 25, 50, 100, 250},
	"http.server.request.duration": {1, 2, 5, 10, 25, 50, 100, 250, 500, 1000},
}

// Config defines OpenTelemetry configuration parameters.
type Config struct {
	Enabled          bool
	OTLPEndpoint     string
	OTLPInsecure     bool
	EnableMetrics    bool
	MetricInterval   time.Duration
	ShutdownTimeout  time.Duration
	ServiceName      string
	ServiceVersion   string
	ServiceNamespace string
	Environment      string
}

// DefaultConfig reads the standard OTEL_* variables. TOKENCART_ENV is
// consulted when OTEL_RESOURCE_ENVIRONMENT is unset.
func DefaultConfig() Config {
	return Config{
		Enabled:          !envDisabled("OTEL_ENABLED"),
		OTLPEndpoint:     envOr(defaultEndpoint, "OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:     os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		EnableMetrics:    !envDisabled("OTEL_METRICS_ENABLED"),
		MetricInterval:   defaultInterval,
		ShutdownTimeout:  5 * time.Second,
		ServiceName:      envOr(serviceName, "OTEL_SERVICE_NAME"),
		ServiceVersion:   serviceVersion,
		ServiceNamespace: os.Getenv("OTEL_SERVICE_NAMESPACE"),
		Environment:      envOr(defaultEnvironment, "OTEL_RESOURCE_ENVIRONMENT", "TOKENCART_ENV"),
	}
}

// exporting reports whether metrics leave the process.
func (c Config) exporting() bool {
	return c.Enabled && c.EnableMetrics
}

// Provider owns the SDK meter provider. A Provider built from a disabled
// config is inert and leaves the global no-op provider in place.
type Provider struct {
	meterProvider *sdkmetric.MeterProvider
	config        Config
}

// NewProvider records the environment label and, when exporting is enabled,
// installs an OTLP/HTTP meter provider as the global provider.
func NewProvider(ctx context.Context, cfg Config) (*Provider, error) {
	setEnvironment(cfg.Environment)
	p := &Provider{config: cfg}
	if !cfg.exporting() {
		return p, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(resourceAttributes(cfg)...),
		resource.WithProcessRuntimeName(),
		resource.WithProcessRuntimeVersion(),
		resource.WithHost(),
	)
	if err != nil {
		return nil, fmt.Errorf("create telemetry resource: %w", err)
	}

	exporterOpts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(stripScheme(cfg.OTLPEndpoint))}
	if cfg.OTLPInsecure {
		exporterOpts = append(exporterOpts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, exporterOpts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}

	interval := cfg.MetricInterval
	if interval <= 0 {
		interval = defaultInterval
	}
	p.meterProvider = sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
		sdkmetric.WithView(histogramViews()...),
	)
	otel.SetMeterProvider(p.meterProvider)
	return p, nil
}

// Shutdown flushes pending exports and stops the meter provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.meterProvider == nil {
		return nil
	}
	if err := p.meterProvider.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown meter: %w", err)
	}
	return nil
}

// Meter returns a named meter, falling back to the global provider when the
// Provider is inert.
func (p *Provider) Meter(name string, opts ...metric.MeterOption) metric.Meter {
	if p == nil || p.meterProvider == nil {
		return otel.Meter(name, opts...)
	}
	return p.meterProvider.Meter(name, opts...)
}

func resourceAttributes(cfg Config) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		semconv.ServiceNameKey.String(cfg.ServiceName),
		semconv.ServiceVersionKey.String(cfg.ServiceVersion),
	}
	if cfg.ServiceNamespace != "" {
		attrs = append(attrs, semconv.ServiceNamespaceKey.String(cfg.ServiceNamespace))
	}
	if env := strings.ToLower(strings.TrimSpace(cfg.Environment)); env != "" {
		attrs = append(attrs, AttrEnvironment.String(env))
	}
	return attrs
}

func histogramViews() []sdkmetric.View {
	views := make([]sdkmetric.View, 0, len(histogramBuckets))
	for name, bounds := range histogramBuckets {
		views = append(views, sdkmetric.NewView(
			sdkmetric.Instrument{Name: name, Kind: sdkmetric.InstrumentKindHistogram},
			sdkmetric.Stream{Aggregation: sdkmetric.AggregationExplicitBucketHistogram{Boundaries: bounds}},
		))
	}
	return views
}

// stripScheme trims an http(s):// prefix; the OTLP HTTP exporter wants host:port.
func stripScheme(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "http://")
	return strings.TrimPrefix(endpoint, "https://")
}

func envOr(fallback string, keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			return v
		}
	}
	return fallback
}

func envDisabled(key string) bool {
	return strings.EqualFold(strings.TrimSpace(os.Getenv(key)), "false")
}

func setEnvironment(env string) {
	normalized := strings.ToLower(strings.TrimSpace(env))
	environment.Store(&normalized)
}

// Environment returns the environment label attached to metrics.
func Environment() string {
	if env := environment.Load(); env != nil && *env != "" {
		return *env
	}
	return defaultEnvironment
}

package telemetry

import (
	"testing"
	"time"
)

func TestDefaultConfigReadsEnvironment(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	t.Setenv("OTEL_SERVICE_NAME", "")
	t.Setenv("OTEL_RESOURCE_ENVIRONMENT", "")
	t.Setenv("TOKENCART_ENV", "staging")
	t.Setenv("OTEL_METRICS_ENABLED", "FALSE")
	t.Setenv("OTEL_ENABLED", "")

	cfg := DefaultConfig()
	if cfg.OTLPEndpoint != "collector:4318" {
		t.Fatalf("unexpected endpoint %q", cfg.OTLPEndpoint)
	}
	if cfg.ServiceName != serviceName {
		t.Fatalf("expected default service name, got %q", cfg.ServiceName)
	}
	if cfg.Environment != "staging" {
		t.Fatalf("expected TOKENCART_ENV fallback, got %q", cfg.Environment)
	}
	if !cfg.Enabled || cfg.EnableMetrics || cfg.exporting() {
		t.Fatalf("expected metrics disabled: %+v", cfg)
	}
	if cfg.MetricInterval != 30*time.Second {
		t.Fatalf("unexpected interval %v", cfg.MetricInterval)
	}
}

func TestResourceAttributesIncludeOptionalFields(t *testing.T) {
	attrs := resourceAttributes(Config{ServiceName: "svc", ServiceVersion: "1", ServiceNamespace: "shop", Environment: " PROD "})
	if len(attrs) != 4 {
		t.Fatalf("expected 4 attributes, got %d", len(attrs))
	}
	last := attrs[len(attrs)-1]
	if last.Key != AttrEnvironment || last.Value.AsString() != "prod" {
		t.Fatalf("unexpected environment attribute %v", last)
	}
	if got := resourceAttributes(Config{ServiceName: "svc"}); len(got) != 2 {
		t.Fatalf("expected only service attributes, got %d", len(got))
	}
}

func TestHistogramViewsCoverConfiguredInstruments(t *testing.T) {
	if got := len(histogramViews()); got != len(histogramBuckets) {
		t.Fatalf("expected %d views, got %d", len(histogramBuckets), got)
	}
}

func TestHTTPAttributes(t *testing.T) {
	setEnvironment("dev")
	defer setEnvironment("")
	attrs := HTTPAttributes("GET", "/users/{userID}/cart", 200)
	if len(attrs) != 4 {
		t.Fatalf("expected 4 attributes, got %d", len(attrs))
	}
	if attrs[2].Value.AsString() != "/users/{userID}/cart" || attrs[3].Value.AsInt64() != 200 {
		t.Fatalf("unexpected attributes %v", attrs)
	}
}

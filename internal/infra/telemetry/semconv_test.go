package telemetry

import (
	"context"
	"testing"
)

func TestOperationResultAttributesCarryEnvironment(t *testing.T) {
	setEnvironment("Staging")
	defer setEnvironment("")

	attrs := OperationResultAttributes("reserve", ResultSuccess)
	if len(attrs) != 3 {
		t.Fatalf("expected 3 attributes, got %d", len(attrs))
	}
	if attrs[0].Key != AttrEnvironment || attrs[0].Value.AsString() != "staging" {
		t.Fatalf("expected lower-cased environment attribute, got %v", attrs[0])
	}
	if attrs[2].Value.AsString() != ResultSuccess {
		t.Fatalf("expected result attribute, got %v", attrs[2])
	}
}

func TestEnvironmentDefaultsToDevelopment(t *testing.T) {
	setEnvironment("")
	if Environment() != "development" {
		t.Fatalf("expected development default, got %q", Environment())
	}
}

func TestDisabledProviderFallsBackToGlobalMeter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	provider, err := NewProvider(context.Background(), cfg)
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	if provider.Meter("test") == nil {
		t.Fatalf("expected non-nil meter")
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestStripScheme(t *testing.T) {
	if got := stripScheme("http://collector:4318"); got != "collector:4318" {
		t.Fatalf("unexpected endpoint %q", got)
	}
	if got := stripScheme("https://collector:4318"); got != "collector:4318" {
		t.Fatalf("unexpected endpoint %q", got)
	}
}

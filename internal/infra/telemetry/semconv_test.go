package telemetry

import "testing"

func TestDispatchAttributesOmitEmptyCapability(t *testing.T) {
	attrs := DispatchAttributes("test", "consumer", "generic_message", "")
	if len(attrs) != 3 {
		t.Fatalf("expected 3 attributes, got %d", len(attrs))
	}
	attrs = DispatchAttributes("test", "consumer", "generic_message", "generic_message")
	if len(attrs) != 4 || attrs[3].Key != AttrCapability {
		t.Fatalf("expected capability attribute last, got %v", attrs)
	}
}

func TestSessionAttributesIncludeState(t *testing.T) {
	attrs := SessionAttributes("test", "provider", "closing")
	if len(attrs) != 3 || attrs[2].Value.AsString() != "closing" {
		t.Fatalf("unexpected attributes %v", attrs)
	}
}

func TestEnvironmentDefaultsToDevelopment(t *testing.T) {
	environment.Store("")
	if got := Environment(); got != "development" {
		t.Fatalf("Environment() = %q", got)
	}
}

func TestStripScheme(t *testing.T) {
	if got := stripScheme("https://collector:4318"); got != "collector:4318" {
		t.Fatalf("stripScheme() = %q", got)
	}
}

func TestDisabledProviderFallsBackToGlobalMeter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Enabled = false
	cfg.Environment = "Staging"
	provider, err := NewProvider(t.Context(), cfg)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	if provider.Meter("reactor") == nil {
		t.Fatal("expected a meter")
	}
	if Environment() != "staging" {
		t.Fatalf("Environment() = %q", Environment())
	}
	if err := provider.Shutdown(t.Context()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

func TestDefaultConfigReadsEnvironment(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "FALSE")
	t.Setenv("OTEL_RESOURCE_ENVIRONMENT", "")
	t.Setenv("REACTOR_ENV", " prod ")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	cfg := DefaultConfig()
	if cfg.Enabled {
		t.Fatal("expected telemetry disabled")
	}
	if cfg.Environment != "prod" {
		t.Fatalf("Environment = %q", cfg.Environment)
	}
	if cfg.OTLPEndpoint != defaultEndpoint {
		t.Fatalf("OTLPEndpoint = %q", cfg.OTLPEndpoint)
	}
}

func TestShutdownWithoutExporterIsNoop(t *testing.T) {
	var provider *Provider
	if provider.Exporting() {
		t.Fatal("nil provider must not export")
	}
	if err := provider.Shutdown(t.Context()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
}

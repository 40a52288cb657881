package telemetry

import (
	"context"
	"testing"
)

func TestNewProviderDisabledNeverEnabled(t *testing.T) {
	p, err := NewProvider(Config{Enabled: false})
	if err != nil {
		t.Fatalf("NewProvider() error: %v", err)
	}
	if p.Enabled() {
		t.Error("Enabled() = true, want false for a disabled config")
	}
}

func TestNewProviderNoneExporterNeverEnabled(t *testing.T) {
	p, err := NewProvider(Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("NewProvider() error: %v", err)
	}
	if p.Enabled() {
		t.Error("Enabled() = true, want false when exporter is \"none\"")
	}
}

func TestNoopProviderSpansAreUsable(t *testing.T) {
	p := NoopProvider()
	ctx, span := p.StartRequestSpan(context.Background(), "acme", "sess-1", "prompt")
	if ctx == nil {
		t.Fatal("StartRequestSpan() returned a nil context")
	}
	p.EndRequestSpan(span, "allow", 0.1, 5, nil)

	dctx, dspan := p.StartDetectorSpan(ctx, "secret")
	if dctx == nil {
		t.Fatal("StartDetectorSpan() returned a nil context")
	}
	p.EndDetectorSpan(dspan, 2, nil)
}

func TestShutdownWithoutProviderIsNoop(t *testing.T) {
	p := NoopProvider()
	if err := p.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() on a noop provider should not error, got %v", err)
	}
}

func TestDefaultConfigDisabled(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Enabled {
		t.Error("DefaultConfig().Enabled should be false")
	}
}

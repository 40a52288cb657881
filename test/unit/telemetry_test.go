package unit

import (
	"context"
	"testing"

	"promptgate/internal/telemetry"
)

func TestNewProvider_Disabled(t *testing.T) {
	cfg := telemetry.Config{Enabled: false}

	provider, err := telemetry.NewProvider(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider.Enabled() {
		t.Error("disabled provider should return Enabled() = false")
	}
	if provider.Tracer() == nil {
		t.Error("tracer should not be nil even when disabled")
	}
}

func TestNewProvider_StdoutExporter(t *testing.T) {
	cfg := telemetry.Config{Enabled: true, Exporter: "stdout", ServiceName: "promptgate-test"}

	provider, err := telemetry.NewProvider(cfg)
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	if !provider.Enabled() {
		t.Error("provider should be enabled with stdout exporter")
	}
}

func TestNewProvider_NoneExporter(t *testing.T) {
	cfg := telemetry.Config{Enabled: true, Exporter: "none"}

	provider, err := telemetry.NewProvider(cfg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if provider.Enabled() {
		t.Error("provider with 'none' exporter should not be enabled")
	}
}

func TestNewProvider_DefaultServiceName(t *testing.T) {
	cfg := telemetry.Config{Enabled: true, Exporter: "stdout", ServiceName: ""}

	provider, err := telemetry.NewProvider(cfg)
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	if !provider.Enabled() {
		t.Error("provider should be enabled")
	}
}

func TestNoopProvider(t *testing.T) {
	provider := telemetry.NoopProvider()

	if provider.Enabled() {
		t.Error("noop provider should not be enabled")
	}
	if provider.Tracer() == nil {
		t.Error("noop provider should still have a tracer")
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Errorf("noop provider shutdown should not error: %v", err)
	}
}

func TestRequestSpanLifecycle(t *testing.T) {
	cfg := telemetry.Config{Enabled: true, Exporter: "stdout", ServiceName: "promptgate-test"}
	provider, err := telemetry.NewProvider(cfg)
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	ctx := context.Background()
	ctx, span := provider.StartRequestSpan(ctx, "tenant-a", "sess-1", "prompt")
	if span == nil {
		t.Fatal("span should not be nil")
	}
	if !span.IsRecording() {
		t.Error("span should be recording")
	}

	provider.EndRequestSpan(span, "block", 0.95, 12, nil)

	if telemetry.SpanFromContext(ctx) == nil {
		t.Error("context should contain span")
	}
}

func TestRequestSpan_WithError(t *testing.T) {
	cfg := telemetry.Config{Enabled: true, Exporter: "stdout", ServiceName: "promptgate-test"}
	provider, err := telemetry.NewProvider(cfg)
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	_, span := provider.StartRequestSpan(context.Background(), "tenant-a", "sess-2", "response")
	provider.EndRequestSpan(span, "block", 1.0, 5000, context.DeadlineExceeded)
}

func TestDetectorSpanLifecycle(t *testing.T) {
	cfg := telemetry.Config{Enabled: true, Exporter: "stdout", ServiceName: "promptgate-test"}
	provider, err := telemetry.NewProvider(cfg)
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	defer func() { _ = provider.Shutdown(context.Background()) }()

	_, span := provider.StartDetectorSpan(context.Background(), "secret")
	provider.EndDetectorSpan(span, 2, nil)
}

func TestStageSpan(t *testing.T) {
	provider := telemetry.NoopProvider()
	_, span := provider.StartStageSpan(context.Background(), "evaluate")
	if span == nil {
		t.Fatal("stage span should not be nil")
	}
	span.End()
}

func TestDefaultConfig(t *testing.T) {
	cfg := telemetry.DefaultConfig()

	if cfg.Enabled {
		t.Error("default config should have Enabled = false")
	}
	if cfg.Exporter != "none" {
		t.Errorf("default exporter should be 'none', got %s", cfg.Exporter)
	}
	if cfg.ServiceName != "promptgate" {
		t.Errorf("default service name should be 'promptgate', got %s", cfg.ServiceName)
	}
}

func TestProvider_Shutdown(t *testing.T) {
	cfg := telemetry.Config{Enabled: true, Exporter: "stdout", ServiceName: "promptgate-test"}
	provider, err := telemetry.NewProvider(cfg)
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown error: %v", err)
	}
}

func TestProvider_ShutdownWhenDisabled(t *testing.T) {
	provider, err := telemetry.NewProvider(telemetry.Config{Enabled: false})
	if err != nil {
		t.Fatalf("failed to create provider: %v", err)
	}
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown on disabled provider should not error: %v", err)
	}
}

func TestSpanFromContext_Empty(t *testing.T) {
	span := telemetry.SpanFromContext(context.Background())
	if span == nil {
		t.Error("SpanFromContext should return a span even for empty context")
	}
}

func TestSpanFromContext_WithSpan(t *testing.T) {
	provider := telemetry.NoopProvider()
	ctx, expectedSpan := provider.StartRequestSpan(context.Background(), "tenant-a", "sess-3", "prompt")

	retrievedSpan := telemetry.SpanFromContext(ctx)
	if retrievedSpan != expectedSpan {
		t.Error("SpanFromContext should return the span from context")
	}
	expectedSpan.End()
}

func TestContextWithTimeout(t *testing.T) {
	ctx, cancel := telemetry.ContextWithTimeout(100)
	defer cancel()

	if _, ok := ctx.Deadline(); !ok {
		t.Error("context should have a deadline")
	}
}

func TestAttributeConstants(t *testing.T) {
	attrs := map[string]string{
		"AttrTenant":        telemetry.AttrTenant,
		"AttrChannel":       telemetry.AttrChannel,
		"AttrSessionID":     telemetry.AttrSessionID,
		"AttrRoute":         telemetry.AttrRoute,
		"AttrDetectorKind":  telemetry.AttrDetectorKind,
		"AttrFindingCount":  telemetry.AttrFindingCount,
		"AttrAction":        telemetry.AttrAction,
		"AttrRiskScore":     telemetry.AttrRiskScore,
		"AttrProcessingMs":  telemetry.AttrProcessingMs,
		"AttrBundleVersion": telemetry.AttrBundleVersion,
	}
	for name, value := range attrs {
		if value == "" {
			t.Errorf("attribute constant %s should not be empty", name)
		}
	}
}

package telemetry

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config holds telemetry configuration
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"` // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"` // Use insecure connection for OTLP
}

// Provider manages OpenTelemetry tracing for the pipeline.
type Provider struct {
	config   Config
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewProvider creates a new telemetry provider
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{config: cfg, tracer: otel.Tracer("promptgate")}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "promptgate"
	}

	slog.Info("creating exporter", "type", cfg.Exporter)

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg)
		if err != nil {
			return nil, err
		}
		slog.Info("OTLP exporter initialized", "endpoint", cfg.Endpoint)
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			slog.Error("stdout exporter creation failed", "error", err)
			return nil, err
		}
		slog.Info("stdout trace exporter initialized")
	default:
		return &Provider{config: cfg, tracer: otel.Tracer("promptgate")}, nil
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)

	return &Provider{
		config:   cfg,
		tracer:   tp.Tracer("promptgate"),
		provider: tp,
	}, nil
}

func createOTLPExporter(cfg Config) (sdktrace.SpanExporter, error) {
	ctx := context.Background()

	opts := []otlptracegrpc.Option{
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
	}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the tracer for creating spans
func (p *Provider) Tracer() trace.Tracer {
	return p.tracer
}

// Shutdown gracefully shuts down the trace provider
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// Enabled returns whether telemetry is enabled
func (p *Provider) Enabled() bool {
	return p.config.Enabled && p.provider != nil
}

// Span attributes used across pipeline stage spans.
const (
	AttrTenant          = "promptgate.tenant"
	AttrChannel         = "promptgate.channel"
	AttrSessionID       = "promptgate.session.id"
	AttrRoute           = "promptgate.route"
	AttrDetectorKind    = "promptgate.detector.kind"
	AttrFindingCount    = "promptgate.findings.count"
	AttrAction          = "promptgate.decision.action"
	AttrRiskScore       = "promptgate.decision.risk_score"
	AttrProcessingMs    = "promptgate.decision.processing_ms"
	AttrBundleVersion   = "promptgate.bundle.version"
	AttrRequestMethod   = "http.request.method"
	AttrRequestPath     = "url.path"
	AttrResponseCode    = "http.response.status_code"
)

// StartRequestSpan starts the top-level span for one /decide or
// /response/check call.
func (p *Provider) StartRequestSpan(ctx context.Context, tenant, sessionID, route string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "pipeline.request",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String(AttrTenant, tenant),
			attribute.String(AttrSessionID, sessionID),
			attribute.String(AttrRoute, route),
		),
	)
}

// EndRequestSpan closes the request span with the final decision.
func (p *Provider) EndRequestSpan(span trace.Span, action string, riskScore float64, processingMs int64, err error) {
	span.SetAttributes(
		attribute.String(AttrAction, action),
		attribute.Float64(AttrRiskScore, riskScore),
		attribute.Int64(AttrProcessingMs, processingMs),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// StartDetectorSpan starts a child span for one detector's Scan call.
func (p *Provider) StartDetectorSpan(ctx context.Context, kind string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "pipeline.detect."+kind,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String(AttrDetectorKind, kind)),
	)
}

// EndDetectorSpan closes a detector span with its finding count.
func (p *Provider) EndDetectorSpan(span trace.Span, findingCount int, err error) {
	span.SetAttributes(attribute.Int(AttrFindingCount, findingCount))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// StartStageSpan starts a span for a named pipeline stage (evaluate, fuse,
// mask, audit).
func (p *Provider) StartStageSpan(ctx context.Context, stage string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "pipeline."+stage, trace.WithSpanKind(trace.SpanKindInternal))
}

// DefaultConfig returns a default telemetry configuration
func DefaultConfig() Config {
	return Config{
		Enabled:     false,
		Exporter:    "none",
		ServiceName: "promptgate",
	}
}

// NoopProvider returns a provider that does nothing (for testing)
func NoopProvider() *Provider {
	return &Provider{config: Config{Enabled: false}, tracer: otel.Tracer("promptgate-noop")}
}

// SpanFromContext extracts a span from context
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// ContextWithTimeout creates a context with timeout for shutdown
func ContextWithTimeout(timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), timeout)
}

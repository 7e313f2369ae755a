// Package telemetry wires OpenTelemetry tracing for agent runs, LLM
// calls, and cache builds. Directly generalizes
// internal/telemetry.Provider (same NewProvider/Shutdown shape, same
// stdout/otlp/none exporter selection) from proxy request/session spans
// to orchestrator run/stage spans.
package telemetry

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

// Config holds telemetry configuration.
type Config struct {
	Enabled     bool   `yaml:"enabled"`
	Exporter    string `yaml:"exporter"` // "otlp", "stdout", or "none"
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
	Insecure    bool   `yaml:"insecure"`
}

// Provider manages OpenTelemetry tracing for the core.
type Provider struct {
	config   Config
	tracer   trace.Tracer
	provider *sdktrace.TracerProvider
}

// NewProvider creates a new telemetry provider.
func NewProvider(cfg Config) (*Provider, error) {
	if !cfg.Enabled {
		return &Provider{config: cfg, tracer: otel.Tracer("elidacore")}, nil
	}

	if cfg.ServiceName == "" {
		cfg.ServiceName = "elidacore"
	}

	slog.Info("creating telemetry exporter", "type", cfg.Exporter)

	var exporter sdktrace.SpanExporter
	var err error
	switch cfg.Exporter {
	case "otlp":
		exporter, err = createOTLPExporter(cfg)
		if err != nil {
			return nil, err
		}
	case "stdout":
		exporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			slog.Error("stdout exporter creation failed", "error", err)
			return nil, err
		}
	default:
		return &Provider{config: cfg, tracer: otel.Tracer("elidacore")}, nil
	}

	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)

	return &Provider{config: cfg, tracer: tp.Tracer("elidacore"), provider: tp}, nil
}

func createOTLPExporter(cfg Config) (sdktrace.SpanExporter, error) {
	ctx := context.Background()
	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	return otlptracegrpc.New(ctx, opts...)
}

// Tracer returns the tracer for creating spans.
func (p *Provider) Tracer() trace.Tracer { return p.tracer }

// Shutdown gracefully shuts down the trace provider.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p.provider != nil {
		return p.provider.Shutdown(ctx)
	}
	return nil
}

// Enabled returns whether telemetry export is active.
func (p *Provider) Enabled() bool { return p.config.Enabled && p.provider != nil }

// Span attribute keys used across run/stage/LLM/cache spans.
const (
	AttrRunID        = "elidacore.run.id"
	AttrStage        = "elidacore.stage"
	AttrBackend      = "elidacore.backend"
	AttrConfidential = "elidacore.confidential"
	AttrReason       = "elidacore.route.reason"
	AttrCacheKey     = "elidacore.cache.key"
	AttrCacheHit     = "elidacore.cache.hit"
	AttrChunkCount   = "elidacore.chunk.count"
)

// StartRunSpan starts the root span for one orchestrator run.
func (p *Provider) StartRunSpan(ctx context.Context, runID string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "orchestrator.run",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String(AttrRunID, runID)),
	)
}

// StartStageSpan starts a child span for one state-machine stage.
func (p *Provider) StartStageSpan(ctx context.Context, runID, stage string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "orchestrator.stage",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(
			attribute.String(AttrRunID, runID),
			attribute.String(AttrStage, stage),
		),
	)
}

// RecordRoute records a routing decision as a span event on the span
// present in ctx, alongside internal/llm's in-process counters.
func (p *Provider) RecordRoute(ctx context.Context, runID, reason, backend string, confidential bool) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent("route.decided",
		trace.WithAttributes(
			attribute.String(AttrRunID, runID),
			attribute.String(AttrReason, reason),
			attribute.String(AttrBackend, backend),
			attribute.Bool(AttrConfidential, confidential),
		),
	)
	// Only query-PII confidentiality counts here; confidential chunks do not.
	if confidential && reason == "query_pii" {
		span.AddEvent("pii_triggered_local_routing")
	}
}

// StartLLMSpan starts a span for a single Backend.Generate call.
func (p *Provider) StartLLMSpan(ctx context.Context, runID, backend string, streaming bool) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "llm.generate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String(AttrRunID, runID),
			attribute.String(AttrBackend, backend),
			attribute.Bool("elidacore.streaming", streaming),
		),
	)
}

// EndLLMSpan closes an LLM span, recording usage and any error.
func (p *Provider) EndLLMSpan(span trace.Span, promptTokens, cachedTokens, completionTokens int64, err error) {
	span.SetAttributes(
		attribute.Int64("elidacore.usage.prompt_tokens", promptTokens),
		attribute.Int64("elidacore.usage.cached_tokens", cachedTokens),
		attribute.Int64("elidacore.usage.completion_tokens", completionTokens),
	)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// StartCacheSpan starts a span for a Cache Manager GetOrCreatePublic call.
func (p *Provider) StartCacheSpan(ctx context.Context, key string) (context.Context, trace.Span) {
	return p.tracer.Start(ctx, "cache.get_or_create",
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attribute.String(AttrCacheKey, key)),
	)
}

// EndCacheSpan closes a cache span, recording the hit/miss outcome.
func (p *Provider) EndCacheSpan(span trace.Span, hit bool, err error) {
	span.SetAttributes(attribute.Bool(AttrCacheHit, hit))
	if err != nil {
		span.RecordError(err)
	}
	span.End()
}

// DefaultConfig returns a default, disabled telemetry configuration.
func DefaultConfig() Config {
	return Config{Enabled: false, Exporter: "none", ServiceName: "elidacore"}
}

// ConfigFromEnv builds a Config from environment variables, mirroring the
// teacher's ELIDA_TELEMETRY_* convention under this core's own prefix.
func ConfigFromEnv() Config {
	cfg := DefaultConfig()

	if os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT") != "" {
		cfg.Enabled = true
		cfg.Exporter = "otlp"
		cfg.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
		cfg.Insecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	}
	if os.Getenv("ELIDACORE_TELEMETRY_ENABLED") == "true" {
		cfg.Enabled = true
	}
	if v := os.Getenv("ELIDACORE_TELEMETRY_EXPORTER"); v != "" {
		cfg.Exporter = v
	}
	if v := os.Getenv("ELIDACORE_TELEMETRY_ENDPOINT"); v != "" {
		cfg.Endpoint = v
	}
	return cfg
}

// NoopProvider returns a provider that records nothing, for tests and
// callers that haven't configured telemetry.
func NoopProvider() *Provider {
	return &Provider{config: Config{Enabled: false}, tracer: otel.Tracer("elidacore-noop")}
}

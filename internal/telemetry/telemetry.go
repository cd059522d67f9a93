// Package telemetry sets up OpenTelemetry tracing and the span helpers used
// around arbitration and dispatch.
package telemetry

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/felipepmaragno/model-arbiter/internal/domain"
)

const defaultServiceName = "model-arbiter"

var tracer trace.Tracer

type Config struct {
	ServiceName string
	Version     string
	Endpoint    string
	// SampleRatio applies to root spans; children follow their parent.
	// Values outside (0, 1] sample everything.
	SampleRatio float64
}

// Init installs the global tracer provider. Without an endpoint spans are
// created but never exported.
func Init(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = defaultServiceName
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.Endpoint == "" {
		tracer = otel.Tracer(cfg.ServiceName)
		slog.Info("telemetry disabled, no OTLP endpoint configured")
		return func(ctx context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.Version),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler(cfg.SampleRatio)),
	)
	otel.SetTracerProvider(tp)
	tracer = tp.Tracer(cfg.ServiceName)

	slog.Info("telemetry initialized", "endpoint", cfg.Endpoint, "sample_ratio", cfg.SampleRatio)

	return tp.Shutdown, nil
}

func sampler(ratio float64) sdktrace.Sampler {
	if ratio <= 0 || ratio >= 1 {
		return sdktrace.ParentBased(sdktrace.AlwaysSample())
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}

// SetTracerProvider points the package tracer at tp. Tests use it with an
// in-memory recorder.
func SetTracerProvider(tp trace.TracerProvider) {
	tracer = tp.Tracer(defaultServiceName)
}

func Tracer() trace.Tracer {
	if tracer == nil {
		tracer = otel.Tracer(defaultServiceName)
	}
	return tracer
}

func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

func AddRequestAttributes(span trace.Span, actx domain.ArbitrationContext) {
	span.SetAttributes(
		attribute.String("tenant.id", actx.TenantID),
		attribute.String("request.id", actx.RequestID),
		attribute.String("task.type", string(actx.TaskType)),
		attribute.Int("tokens.expected_input", actx.ExpectedInputTokens),
		attribute.Int("tokens.expected_output", actx.ExpectedOutputTokens),
		attribute.Bool("budget.override", actx.BudgetOverride),
	)
	if actx.ProjectID != "" {
		span.SetAttributes(attribute.String("project.id", actx.ProjectID))
	}
}

func AddDecisionAttributes(span trace.Span, d *domain.Decision) {
	span.SetAttributes(
		attribute.String("decision.id", d.ID),
		attribute.String("decision.strategy", d.Strategy),
		attribute.String("decision.selected", d.Selected.CircuitID),
		attribute.Float64("decision.score", d.Selected.FinalScore),
		attribute.Int("decision.fallbacks", len(d.Fallbacks)),
		attribute.Int("decision.exclusions", len(d.Exclusions)),
	)
}

func AddCandidateAttributes(span trace.Span, c domain.Candidate, attempt int) {
	span.SetAttributes(
		attribute.String("provider", c.Provider),
		attribute.String("model", c.ModelID),
		attribute.String("circuit.id", c.CircuitID),
		attribute.Int("attempt", attempt),
		attribute.Float64("cost.estimated_usd", c.EstimatedCost),
	)
}

func AddTokenAttributes(span trace.Span, inputTokens, outputTokens int) {
	span.SetAttributes(
		attribute.Int("tokens.input", inputTokens),
		attribute.Int("tokens.output", outputTokens),
		attribute.Int("tokens.total", inputTokens+outputTokens),
	)
}

func AddCostAttribute(span trace.Span, costUSD float64) {
	span.SetAttributes(attribute.Float64("cost.usd", costUSD))
}

// AddErrorAttribute records err on the span and marks it failed.
func AddErrorAttribute(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func GetTraceID(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

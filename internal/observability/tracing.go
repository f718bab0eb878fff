package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"go.opentelemetry.io/otel/trace"
)

// TraceConfig configures distributed tracing.
type TraceConfig struct {
	// ServiceName identifies this process in traces. Defaults to "conductor".
	ServiceName string `yaml:"service_name"`

	// ServiceVersion is reported as a resource attribute.
	ServiceVersion string `yaml:"-"`

	// Environment is the deployment environment (production, staging, dev).
	Environment string `yaml:"environment"`

	// Endpoint is the OTLP gRPC collector address, e.g. "localhost:4317".
	// Tracing is a no-op when it is empty.
	Endpoint string `yaml:"endpoint"`

	// SamplingRate is the fraction of traces recorded. Defaults to 1.
	SamplingRate float64 `yaml:"sampling_rate"`

	// Insecure disables TLS for the collector connection.
	Insecure bool `yaml:"insecure"`

	// Attributes are extra resource attributes.
	Attributes map[string]string `yaml:"attributes"`
}

// Tracer starts spans for turns, steps and tool calls. A nil *Tracer falls
// back to the global tracer provider.
type Tracer struct {
	tracer trace.Tracer
}

// NewTracer creates a tracer and returns the function that flushes and stops
// it. Without an endpoint the global (no-op by default) provider is used.
func NewTracer(ctx context.Context, cfg TraceConfig) (*Tracer, func(context.Context) error, error) {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "conductor"
	}
	noop := func(context.Context) error { return nil }
	if cfg.Endpoint == "" {
		return &Tracer{tracer: otel.Tracer(cfg.ServiceName)}, noop, nil
	}
	if cfg.SamplingRate == 0 {
		cfg.SamplingRate = 1
	}

	opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		opts = append(opts, otlptracegrpc.WithInsecure())
	}
	exporter, err := otlptrace.New(ctx, otlptracegrpc.NewClient(opts...))
	if err != nil {
		return nil, noop, fmt.Errorf("create otlp exporter: %w", err)
	}

	attrs := []attribute.KeyValue{
		semconv.ServiceName(cfg.ServiceName),
		semconv.ServiceVersion(cfg.ServiceVersion),
	}
	if cfg.Environment != "" {
		attrs = append(attrs, semconv.DeploymentEnvironment(cfg.Environment))
	}
	for k, v := range cfg.Attributes {
		attrs = append(attrs, attribute.String(k, v))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...))
	if err != nil {
		res = resource.Default()
	}

	var sampler sdktrace.Sampler
	switch {
	case cfg.SamplingRate >= 1:
		sampler = sdktrace.AlwaysSample()
	case cfg.SamplingRate <= 0:
		sampler = sdktrace.NeverSample()
	default:
		sampler = sdktrace.TraceIDRatioBased(cfg.SamplingRate)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sampler)),
	)
	otel.SetTracerProvider(provider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Tracer{tracer: provider.Tracer(cfg.ServiceName)}, provider.Shutdown, nil
}

func (t *Tracer) get() trace.Tracer {
	if t == nil || t.tracer == nil {
		return otel.Tracer("conductor")
	}
	return t.tracer
}

// Start opens an internal span.
func (t *Tracer) Start(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return t.get().Start(ctx, name, trace.WithAttributes(attrs...))
}

// TraceTurn opens the span covering one chat turn.
func (t *Tracer) TraceTurn(ctx context.Context, sessionID, agent string) (context.Context, trace.Span) {
	return t.Start(ctx, "session.turn",
		attribute.String("session.id", sessionID),
		attribute.String("agent", agent),
	)
}

// TraceStep opens a span for one model stream step.
func (t *Tracer) TraceStep(ctx context.Context, provider, model string, step int) (context.Context, trace.Span) {
	return t.get().Start(ctx, "session.step",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.provider", provider),
			attribute.String("llm.model", model),
			attribute.Int("step", step),
		),
	)
}

// TraceTool opens a span for one tool call.
func (t *Tracer) TraceTool(ctx context.Context, tool, callID string) (context.Context, trace.Span) {
	return t.Start(ctx, "tool.execute",
		attribute.String("tool.name", tool),
		attribute.String("tool.call_id", callID),
	)
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

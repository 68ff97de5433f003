package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.4.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Tracer emits one span per run and child spans per phase and stack
// execution.
type Tracer struct {
	provider *sdktrace.TracerProvider
	tracer   trace.Tracer
}

// NewTracer builds a tracer for the given exporter: "none", "stdout" or
// "otlp". The endpoint is only used for OTLP.
func NewTracer(exporter, endpoint, version string) (*Tracer, error) {
	res, err := resource.New(
		context.Background(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("kestrelctl"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create trace resource: %w", err)
	}

	var spanExporter sdktrace.SpanExporter
	switch exporter {
	case "none":
		spanExporter = nil
	case "stdout":
		spanExporter, err = stdouttrace.New(stdouttrace.WithPrettyPrint())
	case "otlp":
		spanExporter, err = otlptracegrpc.New(
			context.Background(),
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	default:
		return nil, fmt.Errorf("unsupported trace exporter %q", exporter)
	}
	if err != nil {
		return nil, fmt.Errorf("create %s exporter: %w", exporter, err)
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if spanExporter != nil {
		opts = append(opts, sdktrace.WithBatcher(spanExporter))
	}
	provider := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(provider)

	return &Tracer{
		provider: provider,
		tracer:   provider.Tracer("kestrelctl"),
	}, nil
}

// Shutdown flushes and stops the provider.
func (t *Tracer) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}
	return t.provider.Shutdown(ctx)
}

// Span wraps an OpenTelemetry span with nil-safety for disabled tracing.
type Span struct {
	span trace.Span
}

// NoopSpan returns a span that records nothing.
func NoopSpan() *Span {
	return &Span{}
}

// End completes the span.
func (s *Span) End() {
	if s.span != nil {
		s.span.End()
	}
}

// RecordFailure marks the span failed with the given error.
func (s *Span) RecordFailure(err error) {
	if s.span == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

// StartRunSpan opens the root span for one run.
func (t *Tracer) StartRunSpan(ctx context.Context, runID, command, environment string) (context.Context, *Span) {
	if t == nil {
		return ctx, NoopSpan()
	}
	ctx, span := t.tracer.Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("run.command", command),
			attribute.String("run.environment", environment),
		),
	)
	return ctx, &Span{span: span}
}

// StartStackSpan opens a child span for one stack execution.
func (t *Tracer) StartStackSpan(ctx context.Context, stackID, command string) (context.Context, *Span) {
	if t == nil {
		return ctx, NoopSpan()
	}
	ctx, span := t.tracer.Start(ctx, "stack."+command,
		trace.WithAttributes(attribute.String("stack.id", stackID)),
	)
	return ctx, &Span{span: span}
}

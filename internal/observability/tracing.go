package observability

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/vozila/voice-bridge/internal/session"
)

const tracerName = "github.com/vozila/voice-bridge"

// ServiceName and ServiceVersion identify this process in logs, traces and
// health responses.
const (
	ServiceName    = "voice-bridge"
	ServiceVersion = "1.0.0"
)

// InitTracing installs the global tracer provider. Spans are exported only
// when exporter is non-nil. The returned function flushes and stops the
// provider.
func InitTracing(exporter sdktrace.SpanExporter) (func(context.Context) error, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewSchemaless(
			semconv.ServiceName(ServiceName),
			semconv.ServiceVersion(ServiceVersion),
		),
	)
	if err != nil {
		return nil, err
	}

	opts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if exporter != nil {
		opts = append(opts, sdktrace.WithBatcher(exporter))
	}
	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

// Tracer returns the bridge tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartCallSpan opens the root span of a call. Its trace id is the call's
// correlation id.
func StartCallSpan(ctx context.Context, sc session.Context) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "call",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("call.id", sc.CallID),
			attribute.String("call.tenant_id", sc.TenantID),
			attribute.String("call.interaction_mode", string(sc.Mode)),
			attribute.String("telephony.stream_sid", sc.StreamSID),
		),
	)
}

// StartResponseSpan opens a child span covering one assistant response.
func StartResponseSpan(ctx context.Context, turnSeq uint64) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "response",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.Int64("response.turn_sequence", int64(turnSeq))),
	)
}

// CorrelationID returns the trace id of the span in ctx, or a fresh uuid
// when tracing is disabled.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return NewCorrelationID()
}

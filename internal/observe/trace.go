package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// tracerName is the instrumentation scope name for the parley tracer.
const tracerName = "github.com/MrWong99/parley"

// Tracer returns the parley tracer from the global [trace.TracerProvider].
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a new span. The caller must call span.End().
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartTurn starts the span that covers one turn, from the moment its
// utterance is sent until the turn completes or is abandoned.
func StartTurn(ctx context.Context, utteranceID, reason string, bytes int) (context.Context, trace.Span) {
	return StartSpan(ctx, "turn",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("parley.utterance.id", utteranceID),
			attribute.String("parley.utterance.reason", reason),
			attribute.Int("parley.utterance.bytes", bytes),
		),
	)
}

// EndTurn ends a turn span with its outcome. A non-empty errMsg marks the
// span as failed.
func EndTurn(span trace.Span, outcome, errMsg string) {
	span.SetAttributes(attribute.String("parley.turn.outcome", outcome))
	if errMsg != "" {
		span.SetStatus(codes.Error, errMsg)
	}
	span.End()
}

// CorrelationID returns the trace ID of the active span in ctx, or the empty
// string when there is none.
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns the default logger enriched with trace_id and span_id when
// ctx carries an active span.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}

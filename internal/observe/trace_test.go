package observe

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTestTracer installs an in-memory tracer provider as the global one for
// the duration of the test.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(orig) })
	return exp
}

func TestCorrelationID_EmptyByDefault(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestStartSpan_HasTraceID(t *testing.T) {
	exp := useTestTracer(t)

	ctx, span := StartSpan(context.Background(), "reconnect")
	cid := CorrelationID(ctx)
	span.End()

	if len(cid) != 32 {
		t.Errorf("correlation ID length: got %d, want 32", len(cid))
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "reconnect" {
		t.Fatalf("spans: got %v", spans)
	}
}

func TestTurnSpan(t *testing.T) {
	tests := []struct {
		name       string
		errMsg     string
		wantStatus codes.Code
	}{
		{name: "completed", wantStatus: codes.Unset},
		{name: "backend error", errMsg: "backend overloaded", wantStatus: codes.Error},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := useTestTracer(t)

			_, span := StartTurn(context.Background(), "utt-1", "silence", 3200)
			EndTurn(span, tt.name, tt.errMsg)

			spans := exp.GetSpans()
			if len(spans) != 1 {
				t.Fatalf("got %d spans, want 1", len(spans))
			}
			got := spans[0]
			if got.Name != "turn" {
				t.Errorf("name: got %q, want turn", got.Name)
			}
			if got.Status.Code != tt.wantStatus {
				t.Errorf("status: got %v, want %v", got.Status.Code, tt.wantStatus)
			}
			attrs := map[string]string{}
			for _, a := range got.Attributes {
				attrs[string(a.Key)] = a.Value.Emit()
			}
			if attrs["parley.utterance.id"] != "utt-1" || attrs["parley.utterance.bytes"] != "3200" {
				t.Errorf("attributes: got %v", attrs)
			}
			if attrs["parley.turn.outcome"] != tt.name {
				t.Errorf("outcome: got %q, want %q", attrs["parley.turn.outcome"], tt.name)
			}
		})
	}
}

func TestLogger_IncludesTraceID(t *testing.T) {
	useTestTracer(t)

	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	ctx, span := StartSpan(context.Background(), "log-test")
	defer span.End()
	Logger(ctx).Info("turn complete")

	for _, want := range []string{"trace_id=", "span_id="} {
		if !bytes.Contains(buf.Bytes(), []byte(want)) {
			t.Errorf("log output missing %s, got: %s", want, buf.String())
		}
	}
}

func TestLogger_NoSpan(t *testing.T) {
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })

	Logger(context.Background()).Info("idle")
	if bytes.Contains(buf.Bytes(), []byte("trace_id")) {
		t.Errorf("log output should not contain trace_id, got: %s", buf.String())
	}
}

// Package observe provides the observability primitives for parley:
// OpenTelemetry metrics, tracing helpers, trace-aware logging and HTTP
// middleware for the status server.
//
// Metrics are recorded through the OpenTelemetry Metrics API and scraped via
// the Prometheus exporter set up by [InitProvider]. [DefaultMetrics] uses the
// global provider; tests should use [NewMetrics] with their own
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all parley metrics.
const meterName = "github.com/MrWong99/parley"

// Metrics holds all OpenTelemetry instruments for the application.
type Metrics struct {
	// --- Capture ---

	// FramesProcessed counts analysed audio frames. Attribute: "event".
	FramesProcessed metric.Int64Counter

	// StateTransitions counts voice state changes. Attributes: "from", "to".
	StateTransitions metric.Int64Counter

	// Utterances counts finalised utterances. Attribute: "reason".
	Utterances metric.Int64Counter

	// UtteranceDuration tracks the audio length of each utterance.
	UtteranceDuration metric.Float64Histogram

	// UtteranceBytes tracks the encoded size of each utterance.
	UtteranceBytes metric.Int64Histogram

	// --- Turns ---

	// TurnDuration tracks utterance sent → turn complete.
	TurnDuration metric.Float64Histogram

	// FirstTokenLatency tracks utterance sent → first streamed token.
	FirstTokenLatency metric.Float64Histogram

	// BackendLatency tracks the backend's self-reported processing time.
	BackendLatency metric.Float64Histogram

	// StaleEvents counts response events dropped as stale. Attribute: "kind".
	StaleEvents metric.Int64Counter

	// BackendErrors counts error messages received from the backend.
	BackendErrors metric.Int64Counter

	// --- Transport ---

	// TransportErrors counts transport failures. Attribute: "kind".
	TransportErrors metric.Int64Counter

	// Reconnects counts reconnection outcomes. Attribute: "status".
	Reconnects metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions is 1 while a recording session is requested.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks status server request time. Attributes:
	// "method", "path".
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for turn
// latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 0.75, 1, 1.5, 2, 3, 5, 10, 30,
}

// utteranceBuckets covers utterance lengths in seconds.
var utteranceBuckets = []float64{
	0.25, 0.5, 1, 2, 4, 8, 15, 30, 60,
}

// NewMetrics creates a fully initialised [Metrics] using mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Capture.
	if met.FramesProcessed, err = m.Int64Counter("parley.frames.processed",
		metric.WithDescription("Audio frames analysed by the voice activity detector."),
	); err != nil {
		return nil, err
	}
	if met.StateTransitions, err = m.Int64Counter("parley.state.transitions",
		metric.WithDescription("Voice state transitions by origin and target state."),
	); err != nil {
		return nil, err
	}
	if met.Utterances, err = m.Int64Counter("parley.utterances",
		metric.WithDescription("Finalised utterances by stop reason."),
	); err != nil {
		return nil, err
	}
	if met.UtteranceDuration, err = m.Float64Histogram("parley.utterance.duration",
		metric.WithDescription("Audio length of finalised utterances."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(utteranceBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UtteranceBytes, err = m.Int64Histogram("parley.utterance.size",
		metric.WithDescription("Encoded size of finalised utterances."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}

	// Turns.
	if met.TurnDuration, err = m.Float64Histogram("parley.turn.duration",
		metric.WithDescription("Time from sending an utterance until its turn completed."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FirstTokenLatency, err = m.Float64Histogram("parley.turn.first_token",
		metric.WithDescription("Time from sending an utterance until the first streamed token."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.BackendLatency, err = m.Float64Histogram("parley.turn.backend_latency",
		metric.WithDescription("Processing time reported by the backend."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.StaleEvents, err = m.Int64Counter("parley.response.stale_events",
		metric.WithDescription("Response events dropped because their stream was superseded."),
	); err != nil {
		return nil, err
	}
	if met.BackendErrors, err = m.Int64Counter("parley.backend.errors",
		metric.WithDescription("Error messages reported by the backend."),
	); err != nil {
		return nil, err
	}

	// Transport.
	if met.TransportErrors, err = m.Int64Counter("parley.transport.errors",
		metric.WithDescription("Transport failures by kind."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("parley.transport.reconnects",
		metric.WithDescription("Reconnection outcomes by status."),
	); err != nil {
		return nil, err
	}

	// Gauges.
	if met.ActiveSessions, err = m.Int64UpDownCounter("parley.active_sessions",
		metric.WithDescription("Recording sessions currently requested active."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("parley.http.request.duration",
		metric.WithDescription("Status server request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordFrame counts one analysed frame with its detector verdict.
func (m *Metrics) RecordFrame(ctx context.Context, event string) {
	m.FramesProcessed.Add(ctx, 1, metric.WithAttributes(attribute.String("event", event)))
}

// RecordStateTransition counts a voice state change.
func (m *Metrics) RecordStateTransition(ctx context.Context, from, to string) {
	m.StateTransitions.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("from", from),
			attribute.String("to", to),
		),
	)
}

// RecordUtterance records a finalised utterance.
func (m *Metrics) RecordUtterance(ctx context.Context, reason string, length time.Duration, size int) {
	attrs := metric.WithAttributes(attribute.String("reason", reason))
	m.Utterances.Add(ctx, 1, attrs)
	m.UtteranceDuration.Record(ctx, length.Seconds(), attrs)
	m.UtteranceBytes.Record(ctx, int64(size), attrs)
}

// RecordStale counts a dropped response event.
func (m *Metrics) RecordStale(ctx context.Context, kind string) {
	m.StaleEvents.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordTransportError counts a transport failure.
func (m *Metrics) RecordTransportError(ctx context.Context, kind string) {
	m.TransportErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordReconnect counts a reconnection outcome ("ok" or "gave_up").
func (m *Metrics) RecordReconnect(ctx context.Context, status string) {
	m.Reconnects.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
}

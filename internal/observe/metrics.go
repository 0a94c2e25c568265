// Package observe provides the client's observability primitives:
// OpenTelemetry metrics, tracing helpers and the HTTP middleware used by the
// metrics and health endpoints.
//
// Metrics are recorded through the OpenTelemetry Metrics API and bridged to
// Prometheus by [InitProvider], so they can be scraped from /metrics. A
// package-level [DefaultMetrics] instance exists for convenience; tests should
// use [NewMetrics] with their own [metric.MeterProvider].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope for all babelcast metrics.
const meterName = "github.com/MrWong99/babelcast"

// Drop reasons recorded on [Metrics.SegmentsDropped].
const (
	DropTooShort = "too_short"
	DropFault    = "encoder_fault"
	DropNotOpen  = "not_open"
)

// Session error kinds recorded on [Metrics.SessionErrors].
const (
	ErrKindPermission  = "permission_denied"
	ErrKindDevice      = "device_unavailable"
	ErrKindConnection  = "connection"
	ErrKindInterrupted = "interrupted"
	ErrKindTeardown    = "teardown"
)

// Metrics holds every metric instrument of the client. The OTel types handle
// their own synchronisation.
type Metrics struct {
	// SegmentsSent counts audio segments handed to the transport.
	SegmentsSent metric.Int64Counter

	// SegmentsDropped counts finalised units that were not sent. Use with
	// attribute.String("reason", ...).
	SegmentsDropped metric.Int64Counter

	// SegmentDuration tracks the audio length of sent segments.
	SegmentDuration metric.Float64Histogram

	// ResultsReceived counts decoded result messages.
	ResultsReceived metric.Int64Counter

	// ResultsMalformed counts inbound frames discarded as malformed.
	ResultsMalformed metric.Int64Counter

	// PlaybackPreempted counts TTS items cut short by a newer item.
	PlaybackPreempted metric.Int64Counter

	// ActiveSessions tracks the number of Active sessions (0 or 1).
	ActiveSessions metric.Int64UpDownCounter

	// SessionErrors counts fatal and teardown errors. Use with
	// attribute.String("kind", ...).
	SessionErrors metric.Int64Counter

	// SpeechEdges counts detector edges. Use with attribute.String("edge", ...).
	SpeechEdges metric.Int64Counter

	// DialDuration tracks the websocket handshake latency.
	DialDuration metric.Float64Histogram

	// HTTPRequestDuration tracks request latency on the metrics/health server.
	HTTPRequestDuration metric.Float64Histogram
}

// segmentBuckets covers speech segments from a short word to the 10 s
// interval ceiling.
var segmentBuckets = []float64{0.25, 0.5, 1, 2, 3, 5, 7.5, 10, 15, 30}

// latencyBuckets covers handshake and HTTP latencies.
var latencyBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

// NewMetrics creates all instruments on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Segments.
	if met.SegmentsSent, err = m.Int64Counter("babelcast.segments.sent",
		metric.WithDescription("Audio segments sent to the backend."),
	); err != nil {
		return nil, err
	}
	if met.SegmentsDropped, err = m.Int64Counter("babelcast.segments.dropped",
		metric.WithDescription("Finalised segments that were not sent, by reason."),
	); err != nil {
		return nil, err
	}
	if met.SegmentDuration, err = m.Float64Histogram("babelcast.segment.duration",
		metric.WithDescription("Audio duration of sent segments."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(segmentBuckets...),
	); err != nil {
		return nil, err
	}

	// Results and playback.
	if met.ResultsReceived, err = m.Int64Counter("babelcast.results.received",
		metric.WithDescription("Result messages received from the backend."),
	); err != nil {
		return nil, err
	}
	if met.ResultsMalformed, err = m.Int64Counter("babelcast.results.malformed",
		metric.WithDescription("Inbound frames discarded as malformed."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackPreempted, err = m.Int64Counter("babelcast.playback.preempted",
		metric.WithDescription("TTS items preempted by a newer item."),
	); err != nil {
		return nil, err
	}

	// Sessions.
	if met.ActiveSessions, err = m.Int64UpDownCounter("babelcast.sessions.active",
		metric.WithDescription("Number of Active translation sessions."),
	); err != nil {
		return nil, err
	}
	if met.SessionErrors, err = m.Int64Counter("babelcast.session.errors",
		metric.WithDescription("Session errors by kind."),
	); err != nil {
		return nil, err
	}
	if met.SpeechEdges, err = m.Int64Counter("babelcast.speech.edges",
		metric.WithDescription("Voice activity edges by edge type."),
	); err != nil {
		return nil, err
	}
	if met.DialDuration, err = m.Float64Histogram("babelcast.dial.duration",
		metric.WithDescription("Websocket handshake latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("babelcast.http.request.duration",
		metric.WithDescription("HTTP request latency by method, matched route and status."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics], created on first use
// from [otel.GetMeterProvider]. It panics if instrument creation fails, which
// does not happen with the global provider.
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

// Attr is shorthand for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordSegmentSent counts one sent segment and records its duration.
func (m *Metrics) RecordSegmentSent(ctx context.Context, d time.Duration) {
	m.SegmentsSent.Add(ctx, 1)
	m.SegmentDuration.Record(ctx, d.Seconds())
}

// RecordSegmentDropped counts one dropped segment.
func (m *Metrics) RecordSegmentDropped(ctx context.Context, reason string) {
	m.SegmentsDropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordSessionError counts one session error.
func (m *Metrics) RecordSessionError(ctx context.Context, kind string) {
	m.SessionErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// RecordSpeechEdge counts one detector edge.
func (m *Metrics) RecordSpeechEdge(ctx context.Context, edge string) {
	m.SpeechEdges.Add(ctx, 1, metric.WithAttributes(attribute.String("edge", edge)))
}

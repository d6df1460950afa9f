// Package observe provides observability primitives for Parlo: OpenTelemetry
// metrics with a Prometheus exporter bridge so the debug endpoint can serve a
// standard /metrics scrape.
//
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
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

// meterName is the instrumentation scope name used for all Parlo metrics.
const meterName = "github.com/parlo-app/parlo"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// FramesSent counts audio frames streamed to the backend.
	FramesSent metric.Int64Counter

	// ChunksPlayed counts synthesized-speech chunks rendered. Use with
	// attribute.String("status", "played"|"dropped").
	ChunksPlayed metric.Int64Counter

	// Reconnects counts reconnect attempts after unexpected disconnects.
	Reconnects metric.Int64Counter

	// SpeechSegments counts detected speech segments by detector variant.
	SpeechSegments metric.Int64Counter

	// ProtocolErrors counts malformed or unexpected backend messages.
	ProtocolErrors metric.Int64Counter

	// EchoDiscards counts transcripts discarded as playback self-echo.
	EchoDiscards metric.Int64Counter

	// PlaybackLatency tracks time from chunk arrival to render start.
	PlaybackLatency metric.Float64Histogram

	// QueueDepth tracks pending playback chunks at enqueue time.
	QueueDepth metric.Int64Histogram

	// ActiveSessions tracks live backend connections (0 or 1 per process,
	// but a gauge keeps the scrape shape conventional).
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for interactive playback latencies.
var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.FramesSent, err = m.Int64Counter("parlo.transport.frames_sent",
		metric.WithDescription("Audio frames streamed to the backend."),
	); err != nil {
		return nil, err
	}
	if met.ChunksPlayed, err = m.Int64Counter("parlo.playback.chunks",
		metric.WithDescription("Synthesized-speech chunks by status."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("parlo.transport.reconnects",
		metric.WithDescription("Reconnect attempts after unexpected disconnects."),
	); err != nil {
		return nil, err
	}
	if met.SpeechSegments, err = m.Int64Counter("parlo.vad.segments",
		metric.WithDescription("Detected speech segments by detector variant."),
	); err != nil {
		return nil, err
	}
	if met.ProtocolErrors, err = m.Int64Counter("parlo.transport.protocol_errors",
		metric.WithDescription("Malformed or unexpected backend messages."),
	); err != nil {
		return nil, err
	}
	if met.EchoDiscards, err = m.Int64Counter("parlo.feedback.echo_discards",
		metric.WithDescription("Transcripts discarded as playback self-echo."),
	); err != nil {
		return nil, err
	}

	if met.PlaybackLatency, err = m.Float64Histogram("parlo.playback.latency",
		metric.WithDescription("Time from chunk arrival to render start."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.QueueDepth, err = m.Int64Histogram("parlo.playback.queue_depth",
		metric.WithDescription("Pending playback chunks at enqueue time."),
	); err != nil {
		return nil, err
	}

	if met.ActiveSessions, err = m.Int64UpDownCounter("parlo.active_sessions",
		metric.WithDescription("Live backend connections."),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
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

// RecordChunk records one playback chunk outcome.
func (m *Metrics) RecordChunk(ctx context.Context, status string) {
	m.ChunksPlayed.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

// RecordSegment records one detected speech segment.
func (m *Metrics) RecordSegment(ctx context.Context, variant string) {
	m.SpeechSegments.Add(ctx, 1,
		metric.WithAttributes(attribute.String("variant", variant)),
	)
}

// RecordPlaybackLatency records the arrival-to-render delay for one chunk.
func (m *Metrics) RecordPlaybackLatency(ctx context.Context, d time.Duration) {
	m.PlaybackLatency.Record(ctx, d.Seconds())
}

// Package observe provides observability primitives for voxloop:
// OpenTelemetry metrics and the provider setup that bridges them to
// Prometheus.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all voxloop metrics.
const meterName = "github.com/tobwen/voxloop"

// Metrics holds all OpenTelemetry metric instruments for the streaming
// client. All fields are safe for concurrent use — the underlying OTel types
// handle their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// ConnectDuration tracks session connect + configure handshake latency.
	ConnectDuration metric.Float64Histogram

	// ToolExecutionDuration tracks local capability execution latency.
	ToolExecutionDuration metric.Float64Histogram

	// --- Counters ---

	// AudioChunksPlayed counts decoded agent audio chunks played to completion.
	AudioChunksPlayed metric.Int64Counter

	// PlaybackFlushes counts queue flushes caused by interruption.
	PlaybackFlushes metric.Int64Counter

	// BargeIns counts genuine user interruptions of agent speech.
	BargeIns metric.Int64Counter

	// EchoSuppressed counts speech.started signals ignored as echo artifacts
	// during the cooldown window.
	EchoSuppressed metric.Int64Counter

	// ToolCalls counts tool invocations. Use with attributes:
	//   attribute.String("tool", ...), attribute.String("status", ...)
	ToolCalls metric.Int64Counter

	// DuplicateToolCalls counts item.done triggers suppressed by the
	// at-most-once seen set.
	DuplicateToolCalls metric.Int64Counter

	// --- Error counters ---

	// ProtocolErrors counts inbound messages dropped as malformed or unknown.
	ProtocolErrors metric.Int64Counter

	// DecodeErrors counts audio frames dropped as undecodable.
	DecodeErrors metric.Int64Counter

	// RemoteErrors counts structured error events received from the far end.
	RemoteErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live agent sessions.
	ActiveSessions metric.Int64UpDownCounter
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for interactive voice latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.ConnectDuration, err = m.Float64Histogram("voxloop.session.connect.duration",
		metric.WithDescription("Latency of socket open plus configuration handshake."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ToolExecutionDuration, err = m.Float64Histogram("voxloop.tool_execution.duration",
		metric.WithDescription("Latency of local capability execution."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.AudioChunksPlayed, err = m.Int64Counter("voxloop.playback.chunks_played",
		metric.WithDescription("Total agent audio chunks played to completion."),
	); err != nil {
		return nil, err
	}
	if met.PlaybackFlushes, err = m.Int64Counter("voxloop.playback.flushes",
		metric.WithDescription("Total playback queue flushes caused by interruption."),
	); err != nil {
		return nil, err
	}
	if met.BargeIns, err = m.Int64Counter("voxloop.turn.barge_ins",
		metric.WithDescription("Total genuine user interruptions of agent speech."),
	); err != nil {
		return nil, err
	}
	if met.EchoSuppressed, err = m.Int64Counter("voxloop.turn.echo_suppressed",
		metric.WithDescription("Total speech.started signals ignored during cooldown."),
	); err != nil {
		return nil, err
	}
	if met.ToolCalls, err = m.Int64Counter("voxloop.tool.calls",
		metric.WithDescription("Total tool invocations by tool name and status."),
	); err != nil {
		return nil, err
	}
	if met.DuplicateToolCalls, err = m.Int64Counter("voxloop.tool.duplicates",
		metric.WithDescription("Total duplicate item.done triggers suppressed."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProtocolErrors, err = m.Int64Counter("voxloop.wire.protocol_errors",
		metric.WithDescription("Total inbound messages dropped as malformed or unknown."),
	); err != nil {
		return nil, err
	}
	if met.DecodeErrors, err = m.Int64Counter("voxloop.audio.decode_errors",
		metric.WithDescription("Total audio frames dropped as undecodable."),
	); err != nil {
		return nil, err
	}
	if met.RemoteErrors, err = m.Int64Counter("voxloop.session.remote_errors",
		metric.WithDescription("Total structured error events received from the far end."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxloop.active_sessions",
		metric.WithDescription("Number of live agent sessions."),
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

// RecordToolCall records a tool call counter increment with the standard
// attribute set.
func (m *Metrics) RecordToolCall(ctx context.Context, tool, status string) {
	m.ToolCalls.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("status", status),
		),
	)
}

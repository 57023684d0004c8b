// Package observe provides application-wide observability primitives for
// VoxBridge: OpenTelemetry metrics, tracing setup, structured logging
// helpers, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still
// be scraped via the standard /metrics endpoint. A package-level default
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

// meterName is the instrumentation scope name used for all VoxBridge metrics.
const meterName = "github.com/voxbridge/voxbridge"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// STTConnectDuration tracks how long the STT upstream takes to open.
	STTConnectDuration metric.Float64Histogram

	// LLMDuration tracks time from request submission to stream completion.
	LLMDuration metric.Float64Histogram

	// TTSSynthesisDuration tracks per-utterance synthesis wall time.
	TTSSynthesisDuration metric.Float64Histogram

	// TurnDuration tracks end-of-speech to first synthesized frame.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("op", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts classified provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// Reconnects counts transparent upstream reconnections by engine and outcome.
	Reconnects metric.Int64Counter

	// FramesDropped counts outbound audio frames shed under back-pressure.
	FramesDropped metric.Int64Counter

	// AudioFramesSent counts synthesized frames delivered to clients.
	AudioFramesSent metric.Int64Counter

	// SynthesisRejected counts synthesize calls refused because another
	// synthesis held the session mutex.
	SynthesisRejected metric.Int64Counter

	// InvalidTransitions counts synthesis state transitions rejected as
	// invalid, by from/to state.
	InvalidTransitions metric.Int64Counter

	// ChunkerForceFlushes counts safety-cap flushes where no break marker
	// was seen.
	ChunkerForceFlushes metric.Int64Counter

	// FallbackUtterances counts canned LLM fallback responses by tier.
	FallbackUtterances metric.Int64Counter

	// MalformedAudio counts resampler inputs rejected for bad alignment.
	MalformedAudio metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of live voice sessions.
	ActiveSessions metric.Int64UpDownCounter

	// UpstreamConnections tracks open provider connections by engine.
	UpstreamConnections metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for voice-pipeline latencies.
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
	if met.STTConnectDuration, err = m.Float64Histogram("voxbridge.stt.connect.duration",
		metric.WithDescription("Time to open the STT upstream stream."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.LLMDuration, err = m.Float64Histogram("voxbridge.llm.duration",
		metric.WithDescription("LLM stream duration from request to completion."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TTSSynthesisDuration, err = m.Float64Histogram("voxbridge.tts.synthesis.duration",
		metric.WithDescription("Per-utterance synthesis wall time."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("voxbridge.turn.duration",
		metric.WithDescription("End of user speech to first synthesized frame."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("voxbridge.provider.requests",
		metric.WithDescription("Total provider API requests by provider, op, and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("voxbridge.provider.errors",
		metric.WithDescription("Total classified provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.Reconnects, err = m.Int64Counter("voxbridge.reconnects",
		metric.WithDescription("Transparent upstream reconnections by engine and outcome."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("voxbridge.frames.dropped",
		metric.WithDescription("Outbound audio frames shed under back-pressure."),
	); err != nil {
		return nil, err
	}
	if met.AudioFramesSent, err = m.Int64Counter("voxbridge.frames.sent",
		metric.WithDescription("Synthesized audio frames delivered to clients."),
	); err != nil {
		return nil, err
	}
	if met.SynthesisRejected, err = m.Int64Counter("voxbridge.tts.rejected",
		metric.WithDescription("Synthesize calls refused while another synthesis was active."),
	); err != nil {
		return nil, err
	}
	if met.InvalidTransitions, err = m.Int64Counter("voxbridge.tts.invalid_transitions",
		metric.WithDescription("Synthesis state transitions rejected as invalid."),
	); err != nil {
		return nil, err
	}
	if met.ChunkerForceFlushes, err = m.Int64Counter("voxbridge.chunker.force_flushes",
		metric.WithDescription("Chunk flushes forced by the safety cap."),
	); err != nil {
		return nil, err
	}
	if met.FallbackUtterances, err = m.Int64Counter("voxbridge.llm.fallbacks",
		metric.WithDescription("Canned fallback responses by tier."),
	); err != nil {
		return nil, err
	}
	if met.MalformedAudio, err = m.Int64Counter("voxbridge.audio.malformed",
		metric.WithDescription("Resampler inputs rejected for bad PCM alignment."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("voxbridge.active_sessions",
		metric.WithDescription("Number of live voice sessions."),
	); err != nil {
		return nil, err
	}
	if met.UpstreamConnections, err = m.Int64UpDownCounter("voxbridge.upstream_connections",
		metric.WithDescription("Open provider connections by engine."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("voxbridge.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
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

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// WithAttr wraps a single string attribute as a measurement option, for the
// common one-attribute Add/Record call.
func WithAttr(key, value string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String(key, value))
}

// RecordProviderRequest records a provider request with the standard
// attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, op, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("op", op),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a classified provider error.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordReconnect records one reconnection attempt outcome for an engine.
func (m *Metrics) RecordReconnect(ctx context.Context, engine, outcome string) {
	m.Reconnects.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("engine", engine),
			attribute.String("outcome", outcome),
		),
	)
}

// RecordFallback records one canned fallback utterance at the given tier.
func (m *Metrics) RecordFallback(ctx context.Context, tier int) {
	m.FallbackUtterances.Add(ctx, 1,
		metric.WithAttributes(attribute.Int("tier", tier)),
	)
}

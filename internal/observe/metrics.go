// Package observe provides the client's observability primitives:
// OpenTelemetry metrics, tracing helpers, trace-aware logging and HTTP
// middleware for the operations endpoint.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exposed to
// Prometheus via the exporter bridge installed by [InitProvider]. A
// package-level default [Metrics] instance ([DefaultMetrics]) is provided for
// convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
//
// Every Record method tolerates a nil receiver so that components can be
// constructed without metrics in tests.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all client metrics.
const meterName = "github.com/linkinwong/xiaozhi"

// Outcome attribute values.
const (
	OutcomeAccepted = "accepted"
	OutcomeIgnored  = "ignored"
	OutcomeAllowed  = "allowed"
	OutcomeDenied   = "denied"
	OutcomeError    = "error"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// --- Coordination ---

	// StateTransitions counts device state changes. Attributes: from, to.
	StateTransitions metric.Int64Counter

	// AbortRequests counts abort calls. Attributes: reason, outcome.
	AbortRequests metric.Int64Counter

	// QueueDropped counts frames rejected by full queues. Attribute: queue.
	QueueDropped metric.Int64Counter

	// --- Detection ---

	// WakeWordDetections counts wake phrase hits. Attribute: word.
	WakeWordDetections metric.Int64Counter

	// VADTriggers counts VAD-initiated interruptions.
	VADTriggers metric.Int64Counter

	// SpeakerRecognitions counts verification results. Attribute: outcome.
	SpeakerRecognitions metric.Int64Counter

	// SpeakerRecognitionDuration tracks time spent in the verifier.
	SpeakerRecognitionDuration metric.Float64Histogram

	// DetectorErrors counts per-frame detector failures. Attribute: loop.
	DetectorErrors metric.Int64Counter

	// DetectorRestarts tracks restarts of self-stopped detector loops.
	DetectorRestarts metric.Int64UpDownCounter

	// --- Transport ---

	// TransportOpenDuration tracks how long opening the audio channel takes.
	TransportOpenDuration metric.Float64Histogram

	// TransportErrors counts transport failures. Attribute: op.
	TransportErrors metric.Int64Counter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks operations endpoint latency. Attributes:
	// method, path.
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) for
// recognition and connection latencies.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&met.StateTransitions, "xiaozhi.state.transitions", "Device state transitions by source and target state."},
		{&met.AbortRequests, "xiaozhi.abort.requests", "Abort requests by reason and outcome."},
		{&met.QueueDropped, "xiaozhi.queue.dropped", "Audio frames rejected by full queues."},
		{&met.WakeWordDetections, "xiaozhi.wakeword.detections", "Wake phrase detections by word."},
		{&met.VADTriggers, "xiaozhi.vad.triggers", "Playback interruptions triggered by voice activity."},
		{&met.SpeakerRecognitions, "xiaozhi.speaker.recognitions", "Speaker verification results by outcome."},
		{&met.DetectorErrors, "xiaozhi.detector.errors", "Per-frame detector failures by loop."},
		{&met.TransportErrors, "xiaozhi.transport.errors", "Transport failures by operation."},
	}
	for _, c := range counters {
		if *c.dst, err = m.Int64Counter(c.name, metric.WithDescription(c.desc)); err != nil {
			return nil, err
		}
	}

	if met.SpeakerRecognitionDuration, err = m.Float64Histogram("xiaozhi.speaker.recognition.duration",
		metric.WithDescription("Latency of speaker verification."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TransportOpenDuration, err = m.Float64Histogram("xiaozhi.transport.open.duration",
		metric.WithDescription("Latency of opening the audio channel."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DetectorRestarts, err = m.Int64UpDownCounter("xiaozhi.detector.restarts",
		metric.WithDescription("Restarts of detector loops that stopped after repeated errors."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("xiaozhi.http.request.duration",
		metric.WithDescription("Operations endpoint latency by method and path."),
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
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
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

// RecordTransition counts one device state change.
func (m *Metrics) RecordTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	m.StateTransitions.Add(ctx, 1, metric.WithAttributes(Attr("from", from), Attr("to", to)))
}

// RecordAbort counts one abort request with its outcome.
func (m *Metrics) RecordAbort(ctx context.Context, reason, outcome string) {
	if m == nil {
		return
	}
	m.AbortRequests.Add(ctx, 1, metric.WithAttributes(Attr("reason", reason), Attr("outcome", outcome)))
}

// RecordQueueDrop counts one rejected frame on the named queue.
func (m *Metrics) RecordQueueDrop(ctx context.Context, queue string) {
	if m == nil {
		return
	}
	m.QueueDropped.Add(ctx, 1, metric.WithAttributes(Attr("queue", queue)))
}

// RecordWakeWord counts one wake phrase detection.
func (m *Metrics) RecordWakeWord(ctx context.Context, word string) {
	if m == nil {
		return
	}
	m.WakeWordDetections.Add(ctx, 1, metric.WithAttributes(Attr("word", word)))
}

// RecordVADTrigger counts one voice-activity interruption.
func (m *Metrics) RecordVADTrigger(ctx context.Context) {
	if m == nil {
		return
	}
	m.VADTriggers.Add(ctx, 1)
}

// RecordRecognition counts one verification result and its latency.
func (m *Metrics) RecordRecognition(ctx context.Context, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.SpeakerRecognitions.Add(ctx, 1, metric.WithAttributes(Attr("outcome", outcome)))
	m.SpeakerRecognitionDuration.Record(ctx, d.Seconds())
}

// RecordDetectorError counts one failed detector iteration.
func (m *Metrics) RecordDetectorError(ctx context.Context, loop string) {
	if m == nil {
		return
	}
	m.DetectorErrors.Add(ctx, 1, metric.WithAttributes(Attr("loop", loop)))
}

// RecordDetectorRestart counts one detector restart.
func (m *Metrics) RecordDetectorRestart(ctx context.Context) {
	if m == nil {
		return
	}
	m.DetectorRestarts.Add(ctx, 1)
}

// RecordChannelOpen records the latency of one audio channel open.
func (m *Metrics) RecordChannelOpen(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.TransportOpenDuration.Record(ctx, d.Seconds())
}

// RecordTransportError counts one failed transport operation.
func (m *Metrics) RecordTransportError(ctx context.Context, op string) {
	if m == nil {
		return
	}
	m.TransportErrors.Add(ctx, 1, metric.WithAttributes(Attr("op", op)))
}

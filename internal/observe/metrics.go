// Package observe provides application-wide observability primitives for
// qsift: OpenTelemetry metrics, distributed tracing, structured logging, and
// HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
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

// meterName is the instrumentation scope name used for all qsift metrics.
const meterName = "github.com/qsift/qsift"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms per pipeline stage ---

	// DetectorDuration tracks question-classifier inference latency.
	DetectorDuration metric.Float64Histogram

	// TurnDuration tracks the wall time of one direct-audio turn, from first
	// text delta to turn complete.
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// FramesRouted counts audio frames routed to a backend session. Use with
	// attributes:
	//   attribute.String("source", ...), attribute.String("mode", ...)
	FramesRouted metric.Int64Counter

	// FramesDropped counts frames discarded before reaching a session (pipeline
	// stopped, corrupt data, session not streaming). Use with attributes:
	//   attribute.String("source", ...), attribute.String("reason", ...)
	FramesDropped metric.Int64Counter

	// QuestionsDetected counts surfaced questions. Use with attributes:
	//   attribute.String("source", ...), attribute.String("provenance", ...)
	QuestionsDetected metric.Int64Counter

	// QuestionsSuppressed counts candidates rejected by validation or the
	// dedup window. Use with attributes:
	//   attribute.String("source", ...), attribute.String("reason", ...)
	QuestionsSuppressed metric.Int64Counter

	// UtteranceFlushes counts sentence-buffer flushes. Use with attributes:
	//   attribute.String("source", ...), attribute.String("reason", ...)
	UtteranceFlushes metric.Int64Counter

	// --- Error counters ---

	// SessionErrors counts backend session failures. Use with attributes:
	//   attribute.String("source", ...), attribute.String("mode", ...)
	SessionErrors metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of open backend sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for real-time pipeline latencies.
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
	if met.DetectorDuration, err = m.Float64Histogram("qsift.detector.duration",
		metric.WithDescription("Latency of question-classifier inference."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("qsift.turn.duration",
		metric.WithDescription("Wall time of one direct-audio turn."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.FramesRouted, err = m.Int64Counter("qsift.frames.routed",
		metric.WithDescription("Total audio frames routed to a backend by source and mode."),
	); err != nil {
		return nil, err
	}
	if met.FramesDropped, err = m.Int64Counter("qsift.frames.dropped",
		metric.WithDescription("Total audio frames discarded by source and reason."),
	); err != nil {
		return nil, err
	}
	if met.QuestionsDetected, err = m.Int64Counter("qsift.questions.detected",
		metric.WithDescription("Total surfaced questions by source and provenance."),
	); err != nil {
		return nil, err
	}
	if met.QuestionsSuppressed, err = m.Int64Counter("qsift.questions.suppressed",
		metric.WithDescription("Total question candidates rejected by source and reason."),
	); err != nil {
		return nil, err
	}
	if met.UtteranceFlushes, err = m.Int64Counter("qsift.utterance.flushes",
		metric.WithDescription("Total sentence-buffer flushes by source and reason."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.SessionErrors, err = m.Int64Counter("qsift.session.errors",
		metric.WithDescription("Total backend session failures by source and mode."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("qsift.active_sessions",
		metric.WithDescription("Number of open backend sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("qsift.http.request.duration",
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

// RecordFrameRouted records one frame handed to a backend session.
func (m *Metrics) RecordFrameRouted(ctx context.Context, source, mode string) {
	m.FramesRouted.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("mode", mode),
		),
	)
}

// RecordFrameDropped records one discarded frame.
func (m *Metrics) RecordFrameDropped(ctx context.Context, source, reason string) {
	m.FramesDropped.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("reason", reason),
		),
	)
}

// RecordQuestionDetected records one surfaced question.
func (m *Metrics) RecordQuestionDetected(ctx context.Context, source, provenance string) {
	m.QuestionsDetected.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("provenance", provenance),
		),
	)
}

// RecordQuestionSuppressed records one rejected candidate.
func (m *Metrics) RecordQuestionSuppressed(ctx context.Context, source, reason string) {
	m.QuestionsSuppressed.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("reason", reason),
		),
	)
}

// RecordUtteranceFlush records one sentence-buffer flush.
func (m *Metrics) RecordUtteranceFlush(ctx context.Context, source, reason string) {
	m.UtteranceFlushes.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("reason", reason),
		),
	)
}

// RecordSessionError records one backend session failure.
func (m *Metrics) RecordSessionError(ctx context.Context, source, mode string) {
	m.SessionErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("source", source),
			attribute.String("mode", mode),
		),
	)
}

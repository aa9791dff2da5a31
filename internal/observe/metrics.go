// Package observe provides the OpenTelemetry metrics of the capture service.
//
// Instruments are recorded through the OpenTelemetry Metrics API and exported
// to Prometheus by [InitProvider]. Tests should use [NewMetrics] with their
// own [metric.MeterProvider] instead of [DefaultMetrics].
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/audiolibrelab/voicecapture"

// Session outcomes used with [Metrics.RecordSessionFinished].
const (
	OutcomeReady     = "ready"
	OutcomePartial   = "partial"
	OutcomeFailed    = "failed"
	OutcomeDiscarded = "discarded"
)

// Metrics holds every instrument. All fields are safe for concurrent use.
type Metrics struct {
	// SessionsStarted counts capture sessions by attribute "kind".
	SessionsStarted metric.Int64Counter

	// SessionsFinished counts ended sessions by "kind" and "outcome".
	SessionsFinished metric.Int64Counter

	// CaptureDuration is the recorded length of finished sessions.
	CaptureDuration metric.Float64Histogram

	// CaptureBytes is the size of assembled recordings.
	CaptureBytes metric.Int64Histogram

	// TranscodeDuration tracks decode plus WAV encode latency.
	TranscodeDuration metric.Float64Histogram

	// TranscodeErrors counts failed conversions by source "format".
	TranscodeErrors metric.Int64Counter

	// Uploads counts API submissions by "endpoint" and "status".
	Uploads metric.Int64Counter

	// ActiveSessions is the number of sessions between start and a terminal
	// state.
	ActiveSessions metric.Int64UpDownCounter

	// HTTPRequestDuration tracks remote-control API latency by "method" and
	// "path".
	HTTPRequestDuration metric.Float64Histogram
}

var captureBuckets = []float64{1, 2, 5, 10, 15, 20, 30, 60, 120, 300}

var latencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates every instrument on mp.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.SessionsStarted, err = m.Int64Counter("voicecapture.sessions.started",
		metric.WithDescription("Capture sessions started by kind."),
	); err != nil {
		return nil, err
	}
	if met.SessionsFinished, err = m.Int64Counter("voicecapture.sessions.finished",
		metric.WithDescription("Capture sessions ended by kind and outcome."),
	); err != nil {
		return nil, err
	}
	if met.CaptureDuration, err = m.Float64Histogram("voicecapture.capture.duration",
		metric.WithDescription("Length of finished recordings."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(captureBuckets...),
	); err != nil {
		return nil, err
	}
	if met.CaptureBytes, err = m.Int64Histogram("voicecapture.capture.bytes",
		metric.WithDescription("Size of assembled recordings."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.TranscodeDuration, err = m.Float64Histogram("voicecapture.transcode.duration",
		metric.WithDescription("Latency of converting a recording to WAV."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TranscodeErrors, err = m.Int64Counter("voicecapture.transcode.errors",
		metric.WithDescription("Failed conversions by source format."),
	); err != nil {
		return nil, err
	}
	if met.Uploads, err = m.Int64Counter("voicecapture.uploads",
		metric.WithDescription("API submissions by endpoint and status."),
	); err != nil {
		return nil, err
	}
	if met.ActiveSessions, err = m.Int64UpDownCounter("voicecapture.active_sessions",
		metric.WithDescription("Number of capture sessions in progress."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("voicecapture.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
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

// DefaultMetrics returns the package-level instance built on the global
// meter provider.
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

// RecordSessionStarted counts a started session and marks it active.
func (m *Metrics) RecordSessionStarted(ctx context.Context, kind string) {
	attrs := metric.WithAttributes(attribute.String("kind", kind))
	m.SessionsStarted.Add(ctx, 1, attrs)
	m.ActiveSessions.Add(ctx, 1, attrs)
}

// RecordSessionFinished counts an ended session. Recordings that produced
// audio also record their length and size.
func (m *Metrics) RecordSessionFinished(ctx context.Context, kind, outcome string, length time.Duration, bytes int) {
	kindAttr := attribute.String("kind", kind)
	m.SessionsFinished.Add(ctx, 1, metric.WithAttributes(kindAttr, attribute.String("outcome", outcome)))
	m.ActiveSessions.Add(ctx, -1, metric.WithAttributes(kindAttr))
	if outcome == OutcomeReady || outcome == OutcomePartial {
		m.CaptureDuration.Record(ctx, length.Seconds(), metric.WithAttributes(kindAttr))
		m.CaptureBytes.Record(ctx, int64(bytes), metric.WithAttributes(kindAttr))
	}
}

// RecordTranscode records one conversion attempt.
func (m *Metrics) RecordTranscode(ctx context.Context, format string, d time.Duration, err error) {
	attrs := metric.WithAttributes(attribute.String("format", format))
	if err != nil {
		m.TranscodeErrors.Add(ctx, 1, attrs)
		return
	}
	m.TranscodeDuration.Record(ctx, d.Seconds(), attrs)
}

// RecordUpload records one API submission.
func (m *Metrics) RecordUpload(ctx context.Context, endpoint, status string) {
	m.Uploads.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.String("status", status),
		),
	)
}

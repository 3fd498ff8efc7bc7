// Package observe holds the OpenTelemetry instruments shared by the queue,
// worker pool and pipeline. The runtime installs a Prometheus-backed meter
// provider; tests pass their own provider to NewMetrics.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/loqalabs/loqa-scribe"

// Metrics holds all metric instruments. Methods are safe on a nil receiver.
type Metrics struct {
	meter metric.Meter

	// TranscribeDuration tracks one device attempt. Attributes: device, outcome.
	TranscribeDuration metric.Float64Histogram
	// RecordingLatency tracks capture to ordered release per recording.
	RecordingLatency metric.Float64Histogram

	// Attempts counts device attempts. Attributes: device, outcome.
	Attempts metric.Int64Counter
	// Fallbacks counts rerouted jobs. Attributes: kind (retry, cpu).
	Fallbacks metric.Int64Counter
	// Results counts ordered releases. Attributes: status.
	Results metric.Int64Counter
	// Rejected counts admission failures. Attributes: reason.
	Rejected metric.Int64Counter
	// SuspectTransitions counts devices entering the suspect state.
	SuspectTransitions metric.Int64Counter
}

var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2, 4, 8, 15, 30, 60,
}

func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{meter: m}

	if met.TranscribeDuration, err = m.Float64Histogram("scribe.transcribe.duration",
		metric.WithDescription("Latency of a single device transcription attempt."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.RecordingLatency, err = m.Float64Histogram("scribe.recording.latency",
		metric.WithDescription("Time from capture to ordered release."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.Attempts, err = m.Int64Counter("scribe.transcribe.attempts",
		metric.WithDescription("Device transcription attempts by device and outcome."),
	); err != nil {
		return nil, err
	}
	if met.Fallbacks, err = m.Int64Counter("scribe.transcribe.fallbacks",
		metric.WithDescription("Jobs rerouted after a device failure."),
	); err != nil {
		return nil, err
	}
	if met.Results, err = m.Int64Counter("scribe.results",
		metric.WithDescription("Results released to output by status."),
	); err != nil {
		return nil, err
	}
	if met.Rejected, err = m.Int64Counter("scribe.queue.rejected",
		metric.WithDescription("Recordings refused at admission by reason."),
	); err != nil {
		return nil, err
	}
	if met.SuspectTransitions, err = m.Int64Counter("scribe.device.suspect",
		metric.WithDescription("Devices marked suspect after repeated failures."),
	); err != nil {
		return nil, err
	}
	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns a package-level instance bound to the global meter
// provider.
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

func (m *Metrics) RecordAttempt(ctx context.Context, device, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("device", device),
		attribute.String("outcome", outcome),
	)
	m.Attempts.Add(ctx, 1, attrs)
	m.TranscribeDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) RecordFallback(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.Fallbacks.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

func (m *Metrics) RecordSuspect(ctx context.Context, device string) {
	if m == nil {
		return
	}
	m.SuspectTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("device", device)))
}

func (m *Metrics) RecordResult(ctx context.Context, status string, latency time.Duration) {
	if m == nil {
		return
	}
	m.Results.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	if latency > 0 {
		m.RecordingLatency.Record(ctx, latency.Seconds())
	}
}

func (m *Metrics) RecordRejected(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.Rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// Gauges is sampled on every collection.
type Gauges struct {
	QueueDepth     int64
	BusyDevices    int64
	SuspectDevices int64
	ReorderBuffer  int64
}

// ObserveGauges registers observable gauges fed by snapshot.
func (m *Metrics) ObserveGauges(snapshot func() Gauges) (metric.Registration, error) {
	if m == nil {
		return nil, nil
	}
	depth, err := m.meter.Int64ObservableGauge("scribe.queue.depth", metric.WithDescription("Recordings waiting in the queue"))
	if err != nil {
		return nil, err
	}
	busy, err := m.meter.Int64ObservableGauge("scribe.devices.busy", metric.WithDescription("Devices currently transcribing"))
	if err != nil {
		return nil, err
	}
	suspect, err := m.meter.Int64ObservableGauge("scribe.devices.suspect", metric.WithDescription("Devices currently deprioritised"))
	if err != nil {
		return nil, err
	}
	reorder, err := m.meter.Int64ObservableGauge("scribe.reorder.buffered", metric.WithDescription("Recordings held in the reorder buffer"))
	if err != nil {
		return nil, err
	}
	return m.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		g := snapshot()
		obs.ObserveInt64(depth, g.QueueDepth)
		obs.ObserveInt64(busy, g.BusyDevices)
		obs.ObserveInt64(suspect, g.SuspectDevices)
		obs.ObserveInt64(reorder, g.ReorderBuffer)
		return nil
	}, depth, busy, suspect, reorder)
}

package observe

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newTestMetrics(t *testing.T) (*Metrics, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, reader
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	return rm
}

func findMetric(rm metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, sm := range rm.ScopeMetrics {
		for i := range sm.Metrics {
			if sm.Metrics[i].Name == name {
				return &sm.Metrics[i]
			}
		}
	}
	return nil
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.RecordAttempt(context.Background(), "gpu0", "ok", time.Second)
	m.RecordFallback(context.Background(), "cpu")
	m.RecordResult(context.Background(), "ok", time.Second)
	m.RecordRejected(context.Background(), "full")
	m.RecordSuspect(context.Background(), "gpu0")
	if reg, err := m.ObserveGauges(func() Gauges { return Gauges{} }); reg != nil || err != nil {
		t.Fatalf("expected nil registration, got %v %v", reg, err)
	}
}

func TestCountersAndHistograms(t *testing.T) {
	m, reader := newTestMetrics(t)
	ctx := context.Background()
	m.RecordAttempt(ctx, "gpu0", "ok", 200*time.Millisecond)
	m.RecordAttempt(ctx, "gpu0", "error", 100*time.Millisecond)
	m.RecordResult(ctx, "ok", time.Second)

	rm := collect(t, reader)
	attempts := findMetric(rm, "scribe.transcribe.attempts")
	if attempts == nil {
		t.Fatal("attempt counter not exported")
	}
	sum, ok := attempts.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("unexpected data type %T", attempts.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	if total != 2 {
		t.Fatalf("expected 2 attempts, got %d", total)
	}
	if findMetric(rm, "scribe.recording.latency") == nil {
		t.Fatal("latency histogram not exported")
	}
}

func TestObserveGauges(t *testing.T) {
	m, reader := newTestMetrics(t)
	if _, err := m.ObserveGauges(func() Gauges {
		return Gauges{QueueDepth: 3, BusyDevices: 1, ReorderBuffer: 2}
	}); err != nil {
		t.Fatalf("register gauges: %v", err)
	}
	rm := collect(t, reader)
	depth := findMetric(rm, "scribe.queue.depth")
	if depth == nil {
		t.Fatal("queue depth gauge not exported")
	}
	g, ok := depth.Data.(metricdata.Gauge[int64])
	if !ok || len(g.DataPoints) != 1 || g.DataPoints[0].Value != 3 {
		t.Fatalf("unexpected gauge data: %+v", depth.Data)
	}
}

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/chunker"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/observe"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/stt"
)

// Snapshot returns the read-only status view.
func (p *Pipeline) Snapshot() protocol.StatusSnapshot {
	qs := p.queue.Stats()
	ps := p.pool.Status()
	as := p.agg.Stats()

	snap := protocol.StatusSnapshot{
		Node:            p.opts.Node,
		Version:         p.opts.Version,
		Running:         p.Running(),
		Mode:            p.opts.TriggerMode,
		QueueDepth:      qs.Pending,
		QueueAccepted:   qs.Accepted,
		QueueRejected:   qs.Rejected,
		LastSequenceID:  qs.LastSeq,
		DispatchQueue:   ps.Dispatch,
		InFlight:        ps.InFlight,
		ReleaseMode:     string(as.Mode),
		ReorderBuffered: as.Buffered,
		NextExpected:    as.NextExpected,
		Released:        as.Released,
		Skipped:         as.Skipped,
		ChunkIntervalMS: p.chunker.Interval().Milliseconds(),
		Timestamp:       time.Now().UTC(),
	}
	for _, d := range ps.Devices {
		snap.Devices = append(snap.Devices, protocol.DeviceState{
			ID:        d.ID,
			Kind:      string(d.Kind),
			Fallback:  d.Fallback,
			Busy:      d.Busy,
			Suspect:   d.Suspect,
			Alive:     d.Alive,
			Failures:  d.Failures,
			Completed: d.Completed,
			LastError: d.LastError,
		})
	}
	p.errMu.Lock()
	snap.LastError = p.lastErr
	snap.LastErrorAt = p.lastErrAt
	p.errMu.Unlock()
	return snap
}

// Gauges feeds observe.Metrics.ObserveGauges.
func (p *Pipeline) Gauges() observe.Gauges {
	var g observe.Gauges
	g.QueueDepth = int64(p.queue.PendingCount())
	for _, d := range p.pool.Status().Devices {
		if d.Busy {
			g.BusyDevices++
		}
		if d.Suspect {
			g.SuspectDevices++
		}
	}
	g.ReorderBuffer = int64(p.agg.Outstanding())
	return g
}

// Calibrator measures transcription overhead per device class.
type Calibrator interface {
	Calibrate(ctx context.Context, samples []float32, sampleRate, runs int) (map[stt.Kind]time.Duration, error)
}

// NewChunker builds the chunker for cfg. With interval_ms 0 the interval is
// derived from a calibration run on the pool: the accelerator figure when
// any accelerator is present, the CPU figure otherwise.
func NewChunker(ctx context.Context, cfg config.Config, cal Calibrator, log *slog.Logger) (*chunker.Chunker, error) {
	cc := cfg.Chunking
	if !cc.Enabled || cc.IntervalMS > 0 {
		return chunker.FromConfig(cc), nil
	}
	samples := chunker.BenchmarkAudio(cfg.Audio.SampleRate)
	measured, err := cal.Calibrate(ctx, samples, cfg.Audio.SampleRate, cc.BenchmarkRuns)
	if err != nil {
		return nil, fmt.Errorf("calibrate chunk interval: %w", err)
	}
	overhead, ok := measured[stt.KindGPU]
	if !ok {
		overhead = measured[stt.KindCPU]
	}
	interval := chunker.AutoInterval(overhead, cc.SafetyMargin,
		time.Duration(cc.MinIntervalMS)*time.Millisecond,
		time.Duration(cc.MaxIntervalMS)*time.Millisecond,
	)
	log.Info("chunk interval calibrated",
		slog.Duration("overhead", overhead),
		slog.Duration("interval", interval),
	)
	return chunker.New(interval, time.Duration(cc.OverlapMS)*time.Millisecond), nil
}

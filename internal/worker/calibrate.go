package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/stt"
	"golang.org/x/sync/errgroup"
)

// Calibrate measures how long each device class takes to transcribe samples.
// The first run on each class is a warm-up and is discarded; the remaining
// runs are averaged. Calibration jobs go through the normal dispatch queue so
// they never share an engine with live work.
func (p *Pool) Calibrate(ctx context.Context, samples []float32, sampleRate, runs int) (map[stt.Kind]time.Duration, error) {
	if runs <= 0 {
		runs = 1
	}
	classes := make(map[stt.Kind]string)
	for _, d := range p.all {
		if _, ok := classes[d.info.Kind]; !ok {
			classes[d.info.Kind] = d.info.ID
		}
	}

	var mu sync.Mutex
	out := make(map[stt.Kind]time.Duration, len(classes))
	g, gctx := errgroup.WithContext(ctx)
	for kind, id := range classes {
		g.Go(func() error {
			var total time.Duration
			for i := 0; i <= runs; i++ {
				elapsed, err := p.runPinned(gctx, id, samples, sampleRate)
				if err != nil {
					return fmt.Errorf("calibrate %s: %w", id, err)
				}
				if i > 0 {
					total += elapsed
				}
			}
			mu.Lock()
			out[kind] = total / time.Duration(runs)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Pool) runPinned(ctx context.Context, deviceID string, samples []float32, sampleRate int) (time.Duration, error) {
	j := &job{pin: deviceID, reply: make(chan pinnedResult, 1), submitted: p.clock(), samples: len(samples)}
	j.rec.Samples = samples
	j.rec.SampleRate = sampleRate
	if err := p.enqueue(j); err != nil {
		return 0, err
	}
	select {
	case r := <-j.reply:
		return r.elapsed, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

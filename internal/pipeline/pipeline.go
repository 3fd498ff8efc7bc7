// Package pipeline runs the orchestration loop that moves recordings from the
// queue to the worker pool and ordered results from the aggregator to the
// output sinks.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/aggregator"
	"github.com/loqalabs/loqa-scribe/internal/chunker"
	"github.com/loqalabs/loqa-scribe/internal/observe"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/queue"
	"github.com/loqalabs/loqa-scribe/internal/recording"
	"github.com/loqalabs/loqa-scribe/internal/worker"
)

// ErrPoolTerminated is returned by Run when the worker pool stops delivering
// results without being asked to.
var ErrPoolTerminated = errors.New("worker pool terminated unexpectedly")

type Options struct {
	// DrainTimeout bounds how long shutdown waits for in-flight work.
	DrainTimeout time.Duration
	// TickInterval paces gap-timeout checks.
	TickInterval time.Duration
	Node         string
	Version      string
	TriggerMode  string
	Metrics      *observe.Metrics
}

type Pipeline struct {
	opts    Options
	log     *slog.Logger
	queue   *queue.Queue
	pool    *worker.Pool
	agg     *aggregator.Aggregator
	chunker *chunker.Chunker
	sink    Sink
	metrics *observe.Metrics

	running atomic.Bool

	errMu     sync.Mutex
	lastErr   string
	lastErrAt time.Time
}

func New(opts Options, q *queue.Queue, pool *worker.Pool, agg *aggregator.Aggregator, ch *chunker.Chunker, sink Sink, log *slog.Logger) *Pipeline {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 250 * time.Millisecond
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = 30 * time.Second
	}
	if sink == nil {
		sink = MultiSink(nil)
	}
	return &Pipeline{
		opts:    opts,
		log:     log.With(slog.String("component", "pipeline")),
		queue:   q,
		pool:    pool,
		agg:     agg,
		chunker: ch,
		sink:    sink,
		metrics: opts.Metrics,
	}
}

// Run is the orchestration loop. It returns nil after a clean shutdown once
// ctx is done, or ErrPoolTerminated if the pool dies underneath it.
func (p *Pipeline) Run(ctx context.Context) error {
	p.running.Store(true)
	defer p.running.Store(false)
	p.log.Info("pipeline running",
		slog.Duration("chunk_interval", p.chunker.Interval()),
		slog.Int("devices", len(p.pool.Devices())),
	)

	ticker := time.NewTicker(p.opts.TickInterval)
	defer ticker.Stop()
	results := p.pool.Results()

	for {
		if err := p.dispatch(); err != nil {
			return p.fail(err)
		}
		select {
		case <-ctx.Done():
			return p.shutdown(results)
		case <-p.queue.Ready():
		case r, ok := <-results:
			if !ok {
				return p.fail(ErrPoolTerminated)
			}
			p.accept(r)
		case <-ticker.C:
			p.release()
		}
	}
}

// dispatch moves recordings from the queue to the pool while the reorder
// buffer has room. Holding recordings in the queue is what pushes
// backpressure back to admission.
func (p *Pipeline) dispatch() error {
	for !p.agg.Full() {
		entry, err := p.queue.DequeueEntry()
		if errors.Is(err, queue.ErrEmpty) {
			return nil
		}
		if err != nil {
			return err
		}
		rec := entry.Recording
		p.agg.Expect(rec.SequenceID, rec.CapturedAt)
		chunks := p.chunker.Plan(rec)
		if len(chunks) > 1 {
			p.log.Debug("recording chunked",
				slog.Uint64("sequence_id", rec.SequenceID),
				slog.Int("chunks", len(chunks)),
			)
		}
		for _, c := range chunks {
			if err := p.pool.Submit(c); err != nil {
				return fmt.Errorf("submit sequence %d: %w", c.SequenceID, err)
			}
		}
	}
	return nil
}

func (p *Pipeline) accept(r recording.Result) {
	if r.Status == recording.StatusFailed {
		p.reportError(protocol.ErrorDevice, r.Source, r.SequenceID, r.Err)
	}
	if !p.agg.Submit(r) {
		p.log.Warn("dropping late result",
			slog.Uint64("sequence_id", r.SequenceID),
			slog.Int("chunk_index", r.ChunkIndex),
		)
		return
	}
	p.release()
}

func (p *Pipeline) release() {
	for _, r := range p.agg.DrainReady() {
		p.deliver(r)
	}
}

func (p *Pipeline) deliver(r recording.Result) {
	ctx := context.Background()
	if !r.Partial {
		var latency time.Duration
		if !r.CapturedAt.IsZero() {
			latency = time.Since(r.CapturedAt)
		}
		p.metrics.RecordResult(ctx, string(r.Status), latency)
		if r.Status == recording.StatusIncomplete {
			p.reportError(protocol.ErrorIncomplete, r.Source, r.SequenceID, r.Err)
		}
	}
	if err := p.sink.Deliver(ctx, r); err != nil {
		p.log.Warn("output sink failed",
			slog.Uint64("sequence_id", r.SequenceID),
			slog.String("error", err.Error()),
		)
	}
}

// shutdown stops admission, lets in-flight device work finish within the
// drain timeout and flushes the aggregator, marking whatever never completed
// as cancelled.
func (p *Pipeline) shutdown(results <-chan recording.Result) error {
	p.log.Info("pipeline stopping")
	p.queue.Close()
	queued := p.queue.Drain()

	ctx, cancel := context.WithTimeout(context.Background(), p.opts.DrainTimeout)
	defer cancel()
	closed := make(chan error, 1)
	go func() { closed <- p.pool.Close(ctx) }()
	for r := range results {
		p.accept(r)
	}
	if err := <-closed; err != nil {
		p.log.Warn("worker pool did not drain cleanly", slog.String("error", err.Error()))
	}

	p.flush(recording.StatusCancelled, aggregator.ErrCancelled, queued)
	p.log.Info("pipeline stopped",
		slog.Int("cancelled_queued", len(queued)),
	)
	return nil
}

// fail handles a pool that can no longer accept or deliver work. Nothing is
// silently dropped: admission stops, outstanding recordings are released as
// failed and the error is returned so the process can exit.
func (p *Pipeline) fail(cause error) error {
	p.log.Error("pipeline failing", slog.String("error", cause.Error()))
	p.reportError(protocol.ErrorFatal, "", 0, cause)
	if !errors.Is(cause, ErrPoolTerminated) {
		cause = fmt.Errorf("%w: %v", ErrPoolTerminated, cause)
	}
	p.queue.Close()
	p.flush(recording.StatusFailed, cause, p.queue.Drain())
	return cause
}

// flush releases everything still in the reorder buffer with status and
// cause, then the recordings that never left the queue. Queued recordings
// always carry higher sequence ids than anything already dispatched.
func (p *Pipeline) flush(status recording.Status, cause error, queued []recording.Recording) {
	for _, r := range p.agg.Flush(status, cause) {
		p.deliver(r)
	}
	for _, rec := range queued {
		p.deliver(recording.Result{
			SequenceID:  rec.SequenceID,
			ChunkTotal:  1,
			CapturedAt:  rec.CapturedAt,
			CompletedAt: time.Now(),
			Status:      status,
			Err:         cause,
			Source:      rec.Source,
		})
	}
}

// ReportError records a user-visible error and forwards it to sinks that
// accept errors.
func (p *Pipeline) ReportError(kind protocol.ErrorKind, source string, err error) {
	p.reportError(kind, source, 0, err)
}

func (p *Pipeline) reportError(kind protocol.ErrorKind, source string, seq uint64, err error) {
	if err == nil {
		return
	}
	now := time.Now().UTC()
	p.errMu.Lock()
	p.lastErr = fmt.Sprintf("%s: %v", kind, err)
	p.lastErrAt = now
	p.errMu.Unlock()

	es, ok := p.sink.(ErrorSink)
	if !ok {
		return
	}
	ev := protocol.ErrorEvent{
		Kind:       kind,
		Message:    err.Error(),
		SequenceID: seq,
		Source:     source,
		Timestamp:  now,
	}
	if err := es.ReportError(context.Background(), ev); err != nil {
		p.log.Warn("error sink failed", slog.String("error", err.Error()))
	}
}

// Running reports whether the loop is active.
func (p *Pipeline) Running() bool {
	return p.running.Load()
}

// Package queue implements the bounded recording queue. It is the single
// authority for sequence IDs: each accepted recording gets the next integer,
// and entries leave the queue in the order their IDs were issued.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/recording"
)

var (
	// ErrQueueFull is returned when the queue is at capacity under the drop
	// policy, or when the bounded wait under the wait policy expires.
	ErrQueueFull = errors.New("recording queue full")
	// ErrQueueClosed is returned once Close has been called.
	ErrQueueClosed = errors.New("recording queue closed")
	// ErrEmpty is returned by Dequeue when nothing is pending.
	ErrEmpty = errors.New("recording queue empty")
)

// Policy selects overflow behaviour when MaxPending is reached.
type Policy string

const (
	PolicyDrop Policy = "drop"
	PolicyWait Policy = "wait"
)

// Options configures a Queue. MaxPending 0 means unbounded.
type Options struct {
	MaxPending    int
	Policy        Policy
	MaxWait       time.Duration
	HighWaterMark int
}

func OptionsFromConfig(cfg config.QueueConfig) Options {
	return Options{
		MaxPending:    cfg.MaxPending,
		Policy:        Policy(cfg.Backpressure),
		MaxWait:       time.Duration(cfg.MaxWaitMS) * time.Millisecond,
		HighWaterMark: cfg.HighWaterMark,
	}
}

// Entry wraps a recording with its admission time.
type Entry struct {
	Recording  recording.Recording
	EnqueuedAt time.Time
}

// Stats is a point-in-time view of queue activity.
type Stats struct {
	Pending  int    `json:"pending"`
	Accepted uint64 `json:"accepted"`
	Rejected uint64 `json:"rejected"`
	LastSeq  uint64 `json:"last_sequence_id"`
}

type Queue struct {
	opts  Options
	log   *slog.Logger
	clock func() time.Time

	mu      sync.Mutex
	entries []Entry
	nextSeq uint64
	closed  bool
	aboveHW bool

	// slots holds one token per admitted-but-not-dequeued recording. It is
	// nil when the queue is unbounded.
	slots chan struct{}
	ready chan struct{}
	done  chan struct{}

	accepted atomic.Uint64
	rejected atomic.Uint64
}

func New(opts Options, log *slog.Logger) *Queue {
	if opts.Policy == "" {
		opts.Policy = PolicyDrop
	}
	q := &Queue{
		opts:    opts,
		log:     log.With(slog.String("component", "recording-queue")),
		clock:   time.Now,
		nextSeq: 1,
		ready:   make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
	if opts.MaxPending > 0 {
		q.slots = make(chan struct{}, opts.MaxPending)
	}
	return q
}

// Enqueue admits a recording and returns its sequence ID. Under the wait
// policy it blocks for at most MaxWait for a free slot.
func (q *Queue) Enqueue(ctx context.Context, samples []float32, sampleRate int, capturedAt time.Time) (uint64, error) {
	return q.EnqueueFrom(ctx, "", samples, sampleRate, capturedAt)
}

// EnqueueFrom is Enqueue with the originating trigger source recorded on the
// recording.
func (q *Queue) EnqueueFrom(ctx context.Context, source string, samples []float32, sampleRate int, capturedAt time.Time) (uint64, error) {
	if err := q.acquire(ctx); err != nil {
		if errors.Is(err, ErrQueueFull) {
			q.rejected.Add(1)
		}
		return 0, err
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.release()
		return 0, ErrQueueClosed
	}
	seq := q.nextSeq
	q.nextSeq++
	q.entries = append(q.entries, Entry{
		Recording: recording.Recording{
			SequenceID: seq,
			Samples:    samples,
			SampleRate: sampleRate,
			CapturedAt: capturedAt,
			ChunkTotal: 1,
			Source:     source,
		},
		EnqueuedAt: q.clock(),
	})
	pending := len(q.entries)
	crossed := q.opts.HighWaterMark > 0 && pending >= q.opts.HighWaterMark && !q.aboveHW
	if crossed {
		q.aboveHW = true
	}
	q.mu.Unlock()

	q.accepted.Add(1)
	if crossed {
		q.log.Warn("recording queue above high water mark",
			slog.Int("pending", pending),
			slog.Int("high_water_mark", q.opts.HighWaterMark),
			slog.Int("max_pending", q.opts.MaxPending))
	}
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return seq, nil
}

func (q *Queue) acquire(ctx context.Context) error {
	select {
	case <-q.done:
		return ErrQueueClosed
	default:
	}
	if q.slots == nil {
		return nil
	}
	if q.opts.Policy == PolicyDrop {
		select {
		case q.slots <- struct{}{}:
			return nil
		default:
			return ErrQueueFull
		}
	}

	timer := time.NewTimer(q.opts.MaxWait)
	defer timer.Stop()
	select {
	case q.slots <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: no slot freed within %s", ErrQueueFull, q.opts.MaxWait)
	case <-ctx.Done():
		return ctx.Err()
	case <-q.done:
		return ErrQueueClosed
	}
}

func (q *Queue) release() {
	if q.slots == nil {
		return
	}
	select {
	case <-q.slots:
	default:
	}
}

// Dequeue removes the oldest entry. Ownership of its samples moves to the
// caller.
func (q *Queue) Dequeue() (recording.Recording, error) {
	entry, err := q.DequeueEntry()
	return entry.Recording, err
}

// DequeueEntry is Dequeue with the admission timestamp attached.
func (q *Queue) DequeueEntry() (Entry, error) {
	q.mu.Lock()
	if len(q.entries) == 0 {
		q.mu.Unlock()
		return Entry{}, ErrEmpty
	}
	entry := q.entries[0]
	q.entries[0] = Entry{}
	q.entries = q.entries[1:]
	if len(q.entries) == 0 {
		q.entries = nil
	}
	if q.aboveHW && len(q.entries) < q.opts.HighWaterMark {
		q.aboveHW = false
	}
	q.mu.Unlock()

	q.release()
	return entry, nil
}

// PendingCount returns the number of admitted recordings not yet dequeued.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Ready is signalled after every successful Enqueue. It is a level hint:
// callers should Dequeue until ErrEmpty.
func (q *Queue) Ready() <-chan struct{} {
	return q.ready
}

// Close stops admission and wakes any blocked Enqueue callers. Pending
// entries stay available to Dequeue and Drain.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

// Drain removes and returns every pending entry.
func (q *Queue) Drain() []recording.Recording {
	var out []recording.Recording
	for {
		rec, err := q.Dequeue()
		if err != nil {
			return out
		}
		out = append(out, rec)
	}
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	pending := len(q.entries)
	last := q.nextSeq - 1
	q.mu.Unlock()
	return Stats{
		Pending:  pending,
		Accepted: q.accepted.Load(),
		Rejected: q.rejected.Load(),
		LastSeq:  last,
	}
}

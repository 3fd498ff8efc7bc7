// Package aggregator releases transcription results in capture order.
//
// Results arrive from the worker pool in completion order, possibly one per
// chunk. The aggregator holds them in a reorder buffer keyed by sequence id
// and releases a recording only once every earlier recording has been
// released or skipped. A recording that makes no progress for the gap timeout
// while later results wait behind it is released as incomplete so one lost
// job cannot stall the stream.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/recording"
)

var (
	// ErrTimeout is returned by NextOrdered when nothing became releasable
	// within the wait timeout.
	ErrTimeout = errors.New("no ordered result within wait timeout")
	// ErrGap marks a recording released without all of its results.
	ErrGap = errors.New("recording did not complete within gap timeout")
	// ErrCancelled marks a recording flushed at shutdown.
	ErrCancelled = errors.New("recording cancelled at shutdown")
)

type Mode string

const (
	// ModeStrict releases a recording only when it and every earlier one is
	// complete.
	ModeStrict Mode = "strict"
	// ModeStreaming additionally releases each chunk of the fronting
	// recording as a partial result as soon as it is in order.
	ModeStreaming Mode = "streaming"
)

type Options struct {
	Mode        Mode
	GapTimeout  time.Duration
	WaitTimeout time.Duration
	// MaxPending bounds the reorder buffer. Zero means unbounded.
	MaxPending      int
	Separator       string
	MaxOverlapWords int
	// FirstSequence is the first id the aggregator expects.
	FirstSequence uint64
}

func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Mode:            Mode(cfg.Aggregator.Mode),
		GapTimeout:      time.Duration(cfg.Aggregator.GapTimeoutMS) * time.Millisecond,
		WaitTimeout:     time.Duration(cfg.Aggregator.WaitTimeoutMS) * time.Millisecond,
		MaxPending:      cfg.Queue.MaxPending,
		Separator:       cfg.Aggregator.Separator,
		MaxOverlapWords: DefaultMaxOverlapWords,
		FirstSequence:   1,
	}
}

// Stats is a point-in-time view of the reorder buffer.
type Stats struct {
	Mode         Mode   `json:"mode"`
	NextExpected uint64 `json:"next_expected"`
	Buffered     int    `json:"buffered"`
	Ready        int    `json:"ready"`
	Released     uint64 `json:"released"`
	Skipped      uint64 `json:"skipped"`
	Late         uint64 `json:"late"`
}

// entry is one recording in the reorder buffer. It holds chunk results, never
// audio.
type entry struct {
	capturedAt time.Time
	chunks     map[int]recording.Result
	// total is the chunk count, or -1 until the final chunk arrives.
	total int
	// cursor counts chunks already folded into pieces.
	cursor int

	pieces     []string
	tail       []string
	ok         int
	failed     int
	confidence float64
	producedBy string
	source     string
	completed  time.Time
	firstErr   error
}

func newEntry() *entry {
	return &entry{chunks: make(map[int]recording.Result), total: -1}
}

// Aggregator is safe for concurrent use. The pipeline submits from its loop
// while a consumer may block in NextOrdered.
type Aggregator struct {
	opts  Options
	clock func() time.Time

	mu         sync.Mutex
	next       uint64
	entries    map[uint64]*entry
	ready      []recording.Result
	frontSince time.Time
	released   uint64
	skipped    uint64
	late       uint64

	notify chan struct{}
}

func New(opts Options) *Aggregator {
	if opts.Mode == "" {
		opts.Mode = ModeStrict
	}
	if opts.Separator == "" {
		opts.Separator = " "
	}
	if opts.MaxOverlapWords <= 0 {
		opts.MaxOverlapWords = DefaultMaxOverlapWords
	}
	if opts.FirstSequence == 0 {
		opts.FirstSequence = 1
	}
	a := &Aggregator{
		opts:    opts,
		clock:   time.Now,
		next:    opts.FirstSequence,
		entries: make(map[uint64]*entry),
		notify:  make(chan struct{}, 1),
	}
	a.frontSince = a.clock()
	return a
}

// Expect registers a dequeued recording so its slot is held even before any
// result arrives.
func (a *Aggregator) Expect(seq uint64, capturedAt time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if seq < a.next {
		return
	}
	e := a.entryLocked(seq)
	e.capturedAt = capturedAt
	a.enforceBoundLocked()
}

// Submit records one result. It reports false if the result arrived after its
// recording had already been released or skipped; such results are dropped.
func (a *Aggregator) Submit(r recording.Result) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if r.SequenceID < a.next {
		a.late++
		return false
	}
	e := a.entryLocked(r.SequenceID)
	if r.ChunkIndex < e.cursor {
		a.late++
		return false
	}
	e.chunks[r.ChunkIndex] = r
	if r.Final() {
		e.total = r.ChunkTotal
	}
	if r.SequenceID == a.next {
		a.frontSince = a.clock()
	}
	a.advanceLocked()
	a.enforceBoundLocked()
	a.wakeLocked()
	return true
}

// DrainReady returns everything currently releasable without blocking. It
// also applies the gap timeout.
func (a *Aggregator) DrainReady() []recording.Result {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.expireLocked(a.clock())
	out := a.ready
	a.ready = nil
	return out
}

// NextOrdered blocks until the next ordered result is releasable, the wait
// timeout elapses (ErrTimeout) or ctx is done.
func (a *Aggregator) NextOrdered(ctx context.Context) (recording.Result, error) {
	deadline := a.clock().Add(a.opts.WaitTimeout)
	for {
		a.mu.Lock()
		now := a.clock()
		a.expireLocked(now)
		if len(a.ready) > 0 {
			r := a.ready[0]
			a.ready[0] = recording.Result{}
			a.ready = a.ready[1:]
			a.mu.Unlock()
			return r, nil
		}
		wait := deadline.Sub(now)
		if gap := a.gapDeadlineLocked(); !gap.IsZero() && gap.Sub(now) < wait {
			wait = gap.Sub(now)
		}
		a.mu.Unlock()

		if !now.Before(deadline) {
			return recording.Result{}, ErrTimeout
		}
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return recording.Result{}, ctx.Err()
		case <-a.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// Tick applies the gap timeout and reports whether anything became ready.
func (a *Aggregator) Tick() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.expireLocked(a.clock())
	return len(a.ready) > 0
}

// Flush releases every buffered recording in order, marking anything not
// complete with status and cause, then returns all pending output. A nil
// cause means ErrCancelled.
func (a *Aggregator) Flush(status recording.Status, cause error) []recording.Result {
	if cause == nil {
		cause = ErrCancelled
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.advanceLocked()
	if len(a.entries) > 0 {
		seqs := make([]uint64, 0, len(a.entries))
		for seq := range a.entries {
			seqs = append(seqs, seq)
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		last := seqs[len(seqs)-1]
		for a.next <= last {
			a.skipFrontLocked(status, cause)
			a.advanceLocked()
		}
	}
	out := a.ready
	a.ready = nil
	return out
}

// Outstanding is the number of recordings held in the reorder buffer.
func (a *Aggregator) Outstanding() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.entries)
}

// Full reports whether the reorder buffer is at its bound.
func (a *Aggregator) Full() bool {
	if a.opts.MaxPending <= 0 {
		return false
	}
	return a.Outstanding() >= a.opts.MaxPending
}

func (a *Aggregator) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Stats{
		Mode:         a.opts.Mode,
		NextExpected: a.next,
		Buffered:     len(a.entries),
		Ready:        len(a.ready),
		Released:     a.released,
		Skipped:      a.skipped,
		Late:         a.late,
	}
}

func (a *Aggregator) entryLocked(seq uint64) *entry {
	e, ok := a.entries[seq]
	if !ok {
		if len(a.entries) == 0 {
			a.frontSince = a.clock()
		}
		e = newEntry()
		a.entries[seq] = e
	}
	return e
}

// advanceLocked folds in-order chunks of the front recording and releases
// every recording at the front that is complete.
func (a *Aggregator) advanceLocked() {
	for {
		e, ok := a.entries[a.next]
		if !ok {
			return
		}
		a.foldLocked(e)
		if e.total < 0 || e.cursor < e.total {
			return
		}
		a.releaseLocked(a.next, e, nil)
	}
}

func (a *Aggregator) foldLocked(e *entry) {
	for {
		r, ok := e.chunks[e.cursor]
		if !ok {
			return
		}
		delete(e.chunks, e.cursor)
		e.cursor++
		text := a.foldChunk(e, r)
		if a.opts.Mode == ModeStreaming && r.ChunkTotal != 1 {
			partial := r
			partial.Text = text
			partial.Partial = true
			partial.CapturedAt = e.capturedAt
			a.ready = append(a.ready, partial)
		}
	}
}

// foldChunk appends a chunk's text to its recording and returns the words it
// contributed after overlap removal.
func (a *Aggregator) foldChunk(e *entry, r recording.Result) string {
	if r.CompletedAt.After(e.completed) {
		e.completed = r.CompletedAt
	}
	if r.ProducedBy != "" {
		e.producedBy = r.ProducedBy
	}
	if r.Source != "" {
		e.source = r.Source
	}
	if !r.OK() {
		e.failed++
		if e.firstErr == nil {
			e.firstErr = r.Err
		}
		return ""
	}
	e.ok++
	e.confidence += r.Confidence
	words := trimOverlap(e.tail, strings.Fields(r.Text), a.opts.MaxOverlapWords)
	if len(words) == 0 {
		return ""
	}
	e.tail = append(e.tail, words...)
	if over := len(e.tail) - a.opts.MaxOverlapWords; over > 0 {
		e.tail = append(e.tail[:0], e.tail[over:]...)
	}
	text := strings.Join(words, " ")
	e.pieces = append(e.pieces, text)
	return text
}

// releaseLocked emits the stitched result for the front recording. A non-nil
// cause marks it as released early.
func (a *Aggregator) releaseLocked(seq uint64, e *entry, cause error) {
	out := recording.Result{
		SequenceID:  seq,
		ChunkIndex:  max(e.cursor-1, 0),
		ChunkTotal:  e.cursor,
		Text:        strings.Join(e.pieces, a.opts.Separator),
		ProducedBy:  e.producedBy,
		CapturedAt:  e.capturedAt,
		CompletedAt: e.completed,
		Status:      recording.StatusOK,
		Source:      e.source,
	}
	if e.ok > 0 {
		out.Confidence = e.confidence / float64(e.ok)
	}
	if out.CompletedAt.IsZero() {
		out.CompletedAt = a.clock()
	}
	switch {
	case cause != nil:
		if e.total > 0 {
			out.ChunkTotal = e.total
		}
		out.Err = cause
	case e.ok == 0:
		out.Status = recording.StatusFailed
		out.Err = e.firstErr
	case e.failed > 0:
		out.Status = recording.StatusIncomplete
		out.Err = fmt.Errorf("%d of %d chunks failed: %w", e.failed, e.cursor, e.firstErr)
	}
	a.ready = append(a.ready, out)
	delete(a.entries, seq)
	a.next = seq + 1
	a.frontSince = a.clock()
	if cause != nil {
		a.skipped++
	} else {
		a.released++
	}
}

// skipFrontLocked releases the front recording as it stands with status.
func (a *Aggregator) skipFrontLocked(status recording.Status, cause error) {
	e, ok := a.entries[a.next]
	if !ok {
		e = newEntry()
	}
	a.foldLocked(e)
	before := len(a.ready)
	a.releaseLocked(a.next, e, cause)
	a.ready[before].Status = status
}

// gapDeadlineLocked is when the front expires, or zero while nothing waits
// behind it.
func (a *Aggregator) gapDeadlineLocked() time.Time {
	if a.opts.GapTimeout <= 0 || !a.blockedLocked() {
		return time.Time{}
	}
	return a.frontSince.Add(a.opts.GapTimeout)
}

// expireLocked skips the front recording while it has made no progress for
// the gap timeout and a later recording has results waiting on it. A front
// with nothing behind it holds no one up and may still complete.
func (a *Aggregator) expireLocked(now time.Time) {
	for {
		deadline := a.gapDeadlineLocked()
		if deadline.IsZero() || now.Before(deadline) {
			return
		}
		a.skipFrontLocked(recording.StatusIncomplete, ErrGap)
		a.advanceLocked()
		a.frontSince = now
	}
}

// blockedLocked reports whether a recording after the front already holds a
// result.
func (a *Aggregator) blockedLocked() bool {
	for seq, e := range a.entries {
		if seq > a.next && len(e.chunks) > 0 {
			return true
		}
	}
	return false
}

// enforceBoundLocked skips the front recording while the buffer is over its
// bound.
func (a *Aggregator) enforceBoundLocked() {
	if a.opts.MaxPending <= 0 {
		return
	}
	for len(a.entries) > a.opts.MaxPending {
		a.skipFrontLocked(recording.StatusIncomplete, ErrGap)
		a.advanceLocked()
	}
}

// wakeLocked lets a blocked NextOrdered re-check readiness and the gap
// deadline.
func (a *Aggregator) wakeLocked() {
	select {
	case a.notify <- struct{}{}:
	default:
	}
}

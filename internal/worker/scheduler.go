package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/recording"
)

// outboxFlushTimeout bounds how long a dying dispatcher waits for the
// consumer to take finished results.
const outboxFlushTimeout = 5 * time.Second

// scheduler is the dispatcher goroutine's state. Nothing outside run touches
// it.
type scheduler struct {
	p *Pool

	queue    []*job
	cpuQueue []*job
	outbox   []recording.Result
	held     map[*job]struct{}
	inflight int
	cursor   int
	closing  bool
	aborting bool
}

func (s *scheduler) run() {
	p := s.p
	defer close(p.done)
	defer close(p.results)

	s.held = make(map[*job]struct{})
	closing, abort := p.closing, p.abort
	for {
		s.assign()
		s.publish()

		if s.aliveCount() == 0 {
			p.log.Error("every device worker has terminated, stopping dispatch")
			s.failPinned(ErrPoolClosed)
			s.flushOutbox(outboxFlushTimeout)
			return
		}
		if s.closing && s.inflight == 0 && (s.aborting || s.idle()) {
			return
		}

		var out chan<- recording.Result
		var next recording.Result
		if len(s.outbox) > 0 && !s.aborting {
			out = p.results
			next = s.outbox[0]
		}

		select {
		case <-p.inboxSig:
			for _, j := range p.takeInbox() {
				s.held[j] = struct{}{}
				s.queue = append(s.queue, j)
			}
		case o := <-p.outcomes:
			s.inflight--
			s.handle(o)
		case out <- next:
			s.outbox[0] = recording.Result{}
			s.outbox = s.outbox[1:]
		case req := <-p.reloads:
			s.reload(req)
		case <-closing:
			closing = nil
			s.closing = true
			// Late submissions that raced Close still get dispatched.
			for _, j := range p.takeInbox() {
				s.held[j] = struct{}{}
				s.queue = append(s.queue, j)
			}
		case <-abort:
			abort = nil
			s.aborting = true
			s.failPinned(context.Canceled)
			for _, j := range append(s.queue, s.cpuQueue...) {
				s.release(j)
			}
			s.queue, s.cpuQueue, s.outbox = nil, nil, nil
		}
	}
}

// flushOutbox hands finished results to the consumer before the results
// channel closes, waiting at most timeout for room.
func (s *scheduler) flushOutbox(timeout time.Duration) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for i, r := range s.outbox {
		select {
		case s.p.results <- r:
		case <-timer.C:
			s.p.log.Error("results not consumed, dropping finished transcriptions",
				slog.Int("dropped", len(s.outbox)-i),
			)
			s.outbox = nil
			return
		}
	}
	s.outbox = nil
}

func (s *scheduler) idle() bool {
	return len(s.queue) == 0 && len(s.cpuQueue) == 0 && len(s.outbox) == 0
}

// assign hands waiting jobs to idle devices. CPU fallback jobs go first since
// they already sat through a failed attempt. Regular jobs are dispatched
// oldest first.
func (s *scheduler) assign() {
	p := s.p
	for len(s.cpuQueue) > 0 {
		if p.cpu == nil || !p.cpu.alive {
			for _, j := range s.cpuQueue {
				s.fail(j)
			}
			s.cpuQueue = nil
			break
		}
		if p.cpu.busy {
			break
		}
		j := s.cpuQueue[0]
		s.cpuQueue[0] = nil
		s.cpuQueue = s.cpuQueue[1:]
		s.start(p.cpu, j)
	}

	kept := s.queue[:0]
	for _, j := range s.queue {
		if j.pin != "" {
			d := p.byID[j.pin]
			switch {
			case d == nil || !d.alive:
				s.release(j)
				j.reply <- pinnedResult{err: fmt.Errorf("%w: %s", ErrUnknownDevice, j.pin)}
			case d.busy:
				kept = append(kept, j)
			default:
				s.start(d, j)
			}
			continue
		}
		d := s.pick(nil)
		if d == nil {
			kept = append(kept, j)
			continue
		}
		s.start(d, j)
	}
	for i := len(kept); i < len(s.queue); i++ {
		s.queue[i] = nil
	}
	s.queue = kept
}

// pick returns the next idle primary device in round-robin order, skipping
// devices in exclude. Healthy devices win over suspect ones.
func (s *scheduler) pick(exclude map[string]bool) *device {
	p := s.p
	now := p.clock()
	n := len(p.primary)
	var suspect *device
	for i := 0; i < n; i++ {
		d := p.primary[(s.cursor+i)%n]
		if !d.alive || d.busy || exclude[d.info.ID] {
			continue
		}
		if d.health.isSuspect(now) {
			if suspect == nil {
				suspect = d
			}
			continue
		}
		s.cursor = (s.cursor + i + 1) % n
		return d
	}
	if suspect != nil {
		for i, d := range p.primary {
			if d == suspect {
				s.cursor = (i + 1) % n
			}
		}
		return suspect
	}
	// Every accelerator terminated: the fallback becomes the only target.
	if c := p.cpu; c != nil && c.fallback && c.alive && !c.busy && !exclude[c.info.ID] && !s.primaryAlive() {
		return c
	}
	return nil
}

func (s *scheduler) primaryAlive() bool {
	for _, d := range s.p.primary {
		if d.alive {
			return true
		}
	}
	return false
}

func (s *scheduler) start(d *device, j *job) {
	d.busy = true
	s.inflight++
	d.jobs <- j
}

func (s *scheduler) handle(o outcome) {
	p := s.p
	d, j := o.dev, o.job
	d.busy = false
	now := p.clock()
	ctx := context.Background()

	if o.panicked {
		d.alive = false
		p.log.Error("device worker terminated",
			slog.String("device", d.info.ID),
			slog.String("error", o.err.Error()),
		)
	}

	if j.pin != "" {
		s.release(j)
		j.reply <- pinnedResult{elapsed: o.elapsed, err: o.err}
		return
	}
	if s.aborting {
		s.release(j)
		return
	}

	if o.err == nil {
		d.health.recordSuccess()
		d.completed++
		d.lastErr = ""
		p.metrics.RecordAttempt(ctx, d.info.ID, "ok", o.elapsed)
		s.emit(recording.Result{
			SequenceID:  j.rec.SequenceID,
			ChunkIndex:  j.rec.ChunkIndex,
			ChunkTotal:  j.rec.ChunkTotal,
			Text:        o.text.Text,
			Confidence:  o.text.Confidence,
			ProducedBy:  d.info.ID,
			CompletedAt: now,
			Status:      recording.StatusOK,
			Source:      j.rec.Source,
		})
		s.release(j)
		return
	}

	label := "error"
	if errors.Is(o.err, context.DeadlineExceeded) {
		label = "timeout"
	}
	p.metrics.RecordAttempt(ctx, d.info.ID, label, o.elapsed)
	d.lastErr = o.err.Error()
	if d.health.recordFailure(now) {
		p.metrics.RecordSuspect(ctx, d.info.ID)
		p.log.Warn("device marked suspect",
			slog.String("device", d.info.ID),
			slog.Int("recent_failures", d.health.count(now)),
		)
	}
	p.log.Warn("transcription attempt failed",
		slog.String("device", d.info.ID),
		slog.Uint64("sequence_id", j.rec.SequenceID),
		slog.Int("chunk_index", j.rec.ChunkIndex),
		slog.String("outcome", label),
		slog.String("error", o.err.Error()),
	)
	j.tried[d.info.ID] = true
	j.lastErr = o.err
	j.lastDev = d.info.ID
	s.reroute(j, d)
}

// reroute retries a failed job once on another primary device, then on the
// CPU fallback, then gives up with a failed result.
func (s *scheduler) reroute(j *job, failed *device) {
	p := s.p
	ctx := context.Background()
	if failed != p.cpu && !j.retried {
		if alt := s.pick(j.tried); alt != nil && alt != p.cpu {
			j.retried = true
			p.metrics.RecordFallback(ctx, "retry")
			p.log.Info("retrying on another device",
				slog.Uint64("sequence_id", j.rec.SequenceID),
				slog.String("from", failed.info.ID),
				slog.String("to", alt.info.ID),
			)
			s.start(alt, j)
			return
		}
	}
	if p.cpu != nil && p.cpu.alive && !j.tried[p.cpu.info.ID] {
		p.metrics.RecordFallback(ctx, "cpu")
		p.log.Info("falling back to cpu",
			slog.Uint64("sequence_id", j.rec.SequenceID),
			slog.String("from", failed.info.ID),
		)
		s.cpuQueue = append(s.cpuQueue, j)
		return
	}
	s.fail(j)
}

func (s *scheduler) fail(j *job) {
	err := fmt.Errorf("%w: %v", ErrExhausted, j.lastErr)
	if j.lastErr == nil {
		err = ErrExhausted
	}
	s.emit(recording.Result{
		SequenceID:  j.rec.SequenceID,
		ChunkIndex:  j.rec.ChunkIndex,
		ChunkTotal:  j.rec.ChunkTotal,
		ProducedBy:  j.lastDev,
		CompletedAt: s.p.clock(),
		Status:      recording.StatusFailed,
		Err:         err,
		Source:      j.rec.Source,
	})
	s.release(j)
}

func (s *scheduler) emit(r recording.Result) {
	s.outbox = append(s.outbox, r)
}

// release drops the pool's hold on a job's audio. It is only called while
// no device goroutine holds the job.
func (s *scheduler) release(j *job) {
	j.rec.Samples = nil
	j.audio = nil
	delete(s.held, j)
}

func (s *scheduler) failPinned(err error) {
	kept := s.queue[:0]
	for _, j := range s.queue {
		if j.pin != "" {
			s.release(j)
			j.reply <- pinnedResult{err: err}
			continue
		}
		kept = append(kept, j)
	}
	s.queue = kept
}

func (s *scheduler) reload(req reloadRequest) {
	p := s.p
	d := req.dev
	if d.alive {
		if err := req.engine.Close(); err != nil {
			p.log.Warn("closing unused engine failed", slog.String("device", d.info.ID), slog.String("error", err.Error()))
		}
		req.reply <- fmt.Errorf("%w: %s", ErrDeviceAlive, d.info.ID)
		return
	}
	old := d.engine
	d.engine = req.engine
	d.jobs = make(chan *job, 1)
	d.alive = true
	d.busy = false
	d.lastErr = ""
	d.health.reset()
	p.workers.Add(1)
	go p.runDevice(d, d.engine, d.jobs)
	if err := old.Close(); err != nil {
		p.log.Warn("closing replaced engine failed", slog.String("device", d.info.ID), slog.String("error", err.Error()))
	}
	p.log.Info("device reloaded", slog.String("device", d.info.ID))
	req.reply <- nil
}

func (s *scheduler) aliveCount() int {
	n := 0
	for _, d := range s.p.all {
		if d.alive {
			n++
		}
	}
	return n
}

func (s *scheduler) publish() {
	p := s.p
	now := p.clock()
	st := Status{
		Devices:  make([]DeviceStatus, 0, len(p.all)),
		Dispatch: len(s.queue) + len(s.cpuQueue),
		InFlight: s.inflight,
	}
	for j := range s.held {
		st.HeldSamples += j.samples
	}
	for _, d := range p.all {
		st.Devices = append(st.Devices, DeviceStatus{
			ID:        d.info.ID,
			Kind:      d.info.Kind,
			Fallback:  d.fallback,
			Busy:      d.busy,
			Suspect:   d.health.isSuspect(now),
			Alive:     d.alive,
			Failures:  d.health.count(now),
			Completed: d.completed,
			LastError: d.lastErr,
		})
	}
	p.snapMu.Lock()
	p.snap = st
	p.snapMu.Unlock()
}

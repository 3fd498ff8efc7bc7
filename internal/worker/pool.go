// Package worker runs one transcription engine per compute device and
// schedules recordings onto them.
//
// Each device engine lives on its own goroutine locked to an OS thread and is
// never touched by anything else. A single dispatcher goroutine owns all
// scheduling state (busy flags, the round-robin cursor, the dispatch queue,
// device health) and talks to device goroutines only through channels.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/observe"
	"github.com/loqalabs/loqa-scribe/internal/recording"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var (
	ErrPoolClosed    = errors.New("worker pool closed")
	ErrNoDevices     = errors.New("no usable transcription device")
	ErrExhausted     = errors.New("transcription failed on every fallback device")
	ErrUnknownDevice = errors.New("unknown device")
	ErrDeviceAlive   = errors.New("device is running; only terminated devices can be reloaded")
)

type Options struct {
	// Timeout bounds a single device attempt.
	Timeout time.Duration
	// CPUFallback loads a CPU engine next to the accelerators. A CPU engine
	// is always loaded when no accelerator is usable.
	CPUFallback     bool
	SuspectFailures int
	SuspectWindow   time.Duration
	// Preprocess runs once per recording on the device goroutine before the
	// first attempt. It may modify its input in place.
	Preprocess   func([]float32) []float32
	Metrics      *observe.Metrics
	ResultBuffer int
}

func OptionsFromConfig(cfg config.EngineConfig) Options {
	return Options{
		Timeout:         time.Duration(cfg.TranscribeTimeoutMS) * time.Millisecond,
		CPUFallback:     cfg.CPUFallback,
		SuspectFailures: cfg.SuspectFailures,
		SuspectWindow:   time.Duration(cfg.SuspectWindowMS) * time.Millisecond,
	}
}

// DeviceStatus is a read-only view of one device.
type DeviceStatus struct {
	ID        string   `json:"id"`
	Kind      stt.Kind `json:"kind"`
	Fallback  bool     `json:"fallback"`
	Busy      bool     `json:"busy"`
	Suspect   bool     `json:"suspect"`
	Alive     bool     `json:"alive"`
	Failures  int      `json:"recent_failures"`
	Completed uint64   `json:"completed"`
	LastError string   `json:"last_error,omitempty"`
}

// Status is a read-only view of the pool.
type Status struct {
	Devices     []DeviceStatus `json:"devices"`
	Dispatch    int            `json:"dispatch_queue"`
	InFlight    int            `json:"in_flight"`
	HeldSamples int            `json:"held_samples"`
}

type device struct {
	info     stt.DeviceInfo
	fallback bool

	// engine and jobs are replaced only by Reload, after the device
	// goroutine has exited.
	engine stt.Engine
	jobs   chan *job

	// dispatcher-owned
	busy      bool
	alive     bool
	health    *health
	completed uint64
	lastErr   string
}

type job struct {
	rec       recording.Recording
	submitted time.Time
	// samples is len(rec.Samples) at submit. The dispatcher reports held
	// audio from it and never reads rec.Samples.
	samples int
	tried   map[string]bool
	retried bool
	lastErr error
	lastDev string

	// audio is the preprocessed input. Only the device goroutine holding
	// the job touches it; the jobs and outcomes channels hand it over.
	audio []float32

	// pin restricts a calibration job to one device; its outcome goes to
	// reply instead of the results channel.
	pin   string
	reply chan pinnedResult
}

type pinnedResult struct {
	elapsed time.Duration
	err     error
}

type outcome struct {
	dev      *device
	job      *job
	text     stt.Transcript
	err      error
	elapsed  time.Duration
	panicked bool
}

type reloadRequest struct {
	dev    *device
	engine stt.Engine
	reply  chan error
}

type Pool struct {
	opts    Options
	log     *slog.Logger
	backend stt.Backend
	tracer  trace.Tracer
	metrics *observe.Metrics
	clock   func() time.Time

	// primary is the round-robin set. It holds the accelerators, or only the
	// CPU device when none loaded.
	primary []*device
	cpu     *device
	all     []*device
	byID    map[string]*device

	inboxMu  sync.Mutex
	inbox    []*job
	inboxSig chan struct{}
	closed   bool

	outcomes chan outcome
	reloads  chan reloadRequest
	results  chan recording.Result
	closing  chan struct{}
	abort    chan struct{}
	done     chan struct{}

	workCtx    context.Context
	cancelWork context.CancelFunc
	workers    sync.WaitGroup

	snapMu sync.RWMutex
	snap   Status

	closeOnce sync.Once
	closeErr  error
}

// New enumerates devices, loads one engine per device in parallel and starts
// the device and dispatcher goroutines. Model loading happens here and only
// here.
func New(ctx context.Context, backend stt.Backend, opts Options, log *slog.Logger) (*Pool, error) {
	log = log.With(slog.String("component", "worker-pool"))
	if opts.ResultBuffer <= 0 {
		opts.ResultBuffer = 64
	}

	infos, err := backend.Enumerate(ctx)
	if err != nil {
		log.Warn("device enumeration failed, continuing with cpu", slog.String("error", err.Error()))
		infos = nil
	}

	type loaded struct {
		info   stt.DeviceInfo
		engine stt.Engine
		err    error
	}
	wantCPU := opts.CPUFallback || len(infos) == 0
	slots := make([]loaded, len(infos)+1)
	g, gctx := errgroup.WithContext(ctx)
	load := func(i int, info stt.DeviceInfo) {
		g.Go(func() error {
			engine, err := backend.Load(gctx, info)
			slots[i] = loaded{info: info, engine: engine, err: err}
			return ctx.Err()
		})
	}
	for i, info := range infos {
		load(i, info)
	}
	if wantCPU {
		load(len(infos), stt.CPUDevice())
	}
	if err := g.Wait(); err != nil {
		for _, s := range slots {
			if s.engine != nil {
				_ = s.engine.Close()
			}
		}
		return nil, fmt.Errorf("load models: %w", err)
	}

	p := &Pool{
		opts:     opts,
		log:      log,
		backend:  backend,
		tracer:   otel.Tracer("github.com/loqalabs/loqa-scribe/worker"),
		metrics:  opts.Metrics,
		clock:    time.Now,
		byID:     make(map[string]*device),
		inboxSig: make(chan struct{}, 1),
		reloads:  make(chan reloadRequest),
		results:  make(chan recording.Result, opts.ResultBuffer),
		closing:  make(chan struct{}),
		abort:    make(chan struct{}),
		done:     make(chan struct{}),
	}

	for _, s := range slots[:len(infos)] {
		if s.err != nil {
			log.Warn("device failed to load", slog.String("device", s.info.ID), slog.String("error", s.err.Error()))
			continue
		}
		p.addDevice(s.info, s.engine, false)
	}

	cpuSlot := slots[len(infos)]
	if !wantCPU && len(p.primary) == 0 {
		engine, err := backend.Load(ctx, stt.CPUDevice())
		cpuSlot = loaded{info: stt.CPUDevice(), engine: engine, err: err}
	}
	if cpuSlot.engine != nil {
		p.addDevice(cpuSlot.info, cpuSlot.engine, len(p.primary) > 0)
	} else if cpuSlot.err != nil {
		log.Warn("cpu device failed to load", slog.String("error", cpuSlot.err.Error()))
	}
	if len(p.primary) == 0 {
		return nil, fmt.Errorf("%w: %s backend", ErrNoDevices, backend.Name())
	}

	p.outcomes = make(chan outcome, len(p.all))
	p.workCtx, p.cancelWork = context.WithCancel(context.Background())
	for _, d := range p.all {
		p.workers.Add(1)
		go p.runDevice(d, d.engine, d.jobs)
	}
	s := &scheduler{p: p}
	s.publish()
	go s.run()

	ids := make([]string, 0, len(p.all))
	for _, d := range p.all {
		ids = append(ids, d.info.ID)
	}
	log.Info("worker pool ready", slog.String("backend", backend.Name()), slog.Any("devices", ids))
	return p, nil
}

func (p *Pool) addDevice(info stt.DeviceInfo, engine stt.Engine, fallback bool) {
	d := &device{
		info:     info,
		fallback: fallback,
		engine:   engine,
		jobs:     make(chan *job, 1),
		alive:    true,
		health:   newHealth(p.opts.SuspectFailures, p.opts.SuspectWindow),
	}
	if info.Kind == stt.KindCPU {
		p.cpu = d
	}
	if !fallback {
		p.primary = append(p.primary, d)
	}
	p.all = append(p.all, d)
	p.byID[info.ID] = d
}

// Submit queues a recording for dispatch without blocking. The pool takes
// ownership of its samples.
func (p *Pool) Submit(rec recording.Recording) error {
	return p.enqueue(&job{
		rec:       rec,
		submitted: p.clock(),
		samples:   len(rec.Samples),
		tried:     make(map[string]bool),
	})
}

func (p *Pool) enqueue(j *job) error {
	select {
	case <-p.done:
		return ErrPoolClosed
	default:
	}
	p.inboxMu.Lock()
	if p.closed {
		p.inboxMu.Unlock()
		return ErrPoolClosed
	}
	p.inbox = append(p.inbox, j)
	p.inboxMu.Unlock()
	select {
	case p.inboxSig <- struct{}{}:
	default:
	}
	return nil
}

func (p *Pool) takeInbox() []*job {
	p.inboxMu.Lock()
	defer p.inboxMu.Unlock()
	jobs := p.inbox
	p.inbox = nil
	return jobs
}

// Results delivers one result per submitted recording. It is closed when the
// pool finishes closing, or early when every device goroutine has died.
func (p *Pool) Results() <-chan recording.Result {
	return p.results
}

// Done is closed once the dispatcher has stopped.
func (p *Pool) Done() <-chan struct{} {
	return p.done
}

// Status returns the last published snapshot.
func (p *Pool) Status() Status {
	p.snapMu.RLock()
	defer p.snapMu.RUnlock()
	out := p.snap
	out.Devices = append([]DeviceStatus(nil), p.snap.Devices...)
	return out
}

// Devices lists loaded devices in dispatch order, fallback last.
func (p *Pool) Devices() []stt.DeviceInfo {
	out := make([]stt.DeviceInfo, 0, len(p.all))
	for _, d := range p.all {
		out = append(out, d.info)
	}
	return out
}

// Reload replaces the engine of a device whose goroutine terminated after a
// fatal error. The new model is loaded on the caller's goroutine.
func (p *Pool) Reload(ctx context.Context, deviceID string) error {
	d, ok := p.byID[deviceID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownDevice, deviceID)
	}
	engine, err := p.backend.Load(ctx, d.info)
	if err != nil {
		return fmt.Errorf("reload %s: %w", deviceID, err)
	}
	req := reloadRequest{dev: d, engine: engine, reply: make(chan error, 1)}
	select {
	case p.reloads <- req:
	case <-p.done:
		_ = engine.Close()
		return ErrPoolClosed
	case <-ctx.Done():
		_ = engine.Close()
		return ctx.Err()
	}
	return <-req.reply
}

// Close stops admission and lets queued and in-flight work finish. If ctx
// expires first, running attempts are cancelled and unfinished work is
// dropped. Engines are closed once every device goroutine has returned.
func (p *Pool) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.inboxMu.Lock()
		p.closed = true
		p.inboxMu.Unlock()
		close(p.closing)

		select {
		case <-p.done:
		case <-ctx.Done():
			p.log.Warn("in-flight transcriptions did not finish before deadline, cancelling")
			close(p.abort)
			p.cancelWork()
			<-p.done
			p.closeErr = ctx.Err()
		}
		p.cancelWork()
		for _, d := range p.all {
			close(d.jobs)
		}
		p.workers.Wait()

		var errs []error
		for _, d := range p.all {
			if err := d.engine.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", d.info.ID, err))
			}
		}
		if len(errs) > 0 {
			p.closeErr = errors.Join(append([]error{p.closeErr}, errs...)...)
		}
		p.log.Info("worker pool closed")
	})
	return p.closeErr
}

func (p *Pool) runDevice(d *device, engine stt.Engine, jobs <-chan *job) {
	defer p.workers.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	for j := range jobs {
		o := p.attempt(d, engine, j)
		p.outcomes <- o
		if o.panicked {
			return
		}
	}
}

func (p *Pool) attempt(d *device, engine stt.Engine, j *job) (o outcome) {
	o = outcome{dev: d, job: j}
	ctx, cancel := p.attemptContext()
	defer cancel()
	ctx, span := p.tracer.Start(ctx, "worker.transcribe", trace.WithAttributes(
		attribute.String("device", d.info.ID),
		attribute.Int64("sequence_id", int64(j.rec.SequenceID)),
		attribute.Int("chunk_index", j.rec.ChunkIndex),
		attribute.Bool("calibration", j.pin != ""),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			o.err = fmt.Errorf("device %s panicked: %v", d.info.ID, r)
			o.panicked = true
		}
		o.elapsed = time.Since(start)
		if o.err != nil {
			span.RecordError(o.err)
			span.SetStatus(codes.Error, o.err.Error())
		}
	}()

	if j.audio == nil {
		j.audio = j.rec.Samples
		if j.pin == "" && p.opts.Preprocess != nil {
			j.audio = p.opts.Preprocess(j.audio)
		}
	}
	o.text, o.err = engine.Transcribe(ctx, j.audio, j.rec.SampleRate)
	return o
}

func (p *Pool) attemptContext() (context.Context, context.CancelFunc) {
	if p.opts.Timeout > 0 {
		return context.WithTimeout(p.workCtx, p.opts.Timeout)
	}
	return context.WithCancel(p.workCtx)
}

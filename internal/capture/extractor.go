// Package capture is the segment extractor. It owns the audio ring, turns
// trigger events and voice activity into recordings and admits them to the
// recording queue.
//
// Every trigger source feeds one goroutine, so recordings from push-to-talk
// and voice activity reach the queue one at a time in trigger order.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/observe"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/queue"
	"github.com/loqalabs/loqa-scribe/internal/vad"
)

var (
	ErrNotRecording    = errors.New("no push-to-talk recording in progress")
	ErrTriggerDisabled = errors.New("trigger type disabled by trigger mode")
	ErrUnknownTrigger  = errors.New("unknown trigger type")
	ErrStopped         = errors.New("segment extractor stopped")
)

// Admitter is the queue side of the extractor.
type Admitter interface {
	EnqueueFrom(ctx context.Context, source string, samples []float32, sampleRate int, capturedAt time.Time) (uint64, error)
}

// ErrorFunc receives admission errors. It is called on the extractor
// goroutine.
type ErrorFunc func(kind protocol.ErrorKind, source string, err error)

type Options struct {
	Mode        string
	MinDuration time.Duration
	// MaxDuration rejects longer recordings. Zero disables the bound, which
	// is the case when long recordings are chunked.
	MaxDuration time.Duration
	VAD         config.VADConfig
	OnError     ErrorFunc
	Metrics     *observe.Metrics
}

func OptionsFromConfig(cfg config.Config) Options {
	opts := Options{
		Mode:        cfg.Trigger.Mode,
		MinDuration: time.Duration(cfg.Audio.MinRecordingMS) * time.Millisecond,
		VAD:         cfg.VAD,
	}
	if !cfg.Chunking.Enabled {
		opts.MaxDuration = time.Duration(cfg.Audio.MaxRecordingMS) * time.Millisecond
	}
	return opts
}

type event struct {
	frame   []float32
	trigger *protocol.TriggerEvent
	reply   chan result
}

type result struct {
	seq uint64
	err error
}

type Extractor struct {
	opts  Options
	log   *slog.Logger
	ring  *audio.Ring
	queue Admitter
	seg   *vad.Segmenter

	events chan event
	done   chan struct{}

	// extractor goroutine state
	recording bool
	mark      int64
	source    string
}

func New(opts Options, ring *audio.Ring, q Admitter, log *slog.Logger) *Extractor {
	if opts.Mode == "" {
		opts.Mode = "push_to_talk"
	}
	e := &Extractor{
		opts:   opts,
		log:    log.With(slog.String("component", "segment-extractor")),
		ring:   ring,
		queue:  q,
		events: make(chan event, 256),
		done:   make(chan struct{}),
	}
	if e.continuous() {
		e.seg = vad.NewSegmenter(opts.VAD, ring.SampleRate(), vad.NewEnergyDetector())
	}
	return e
}

func (e *Extractor) pushToTalk() bool { return e.opts.Mode == "push_to_talk" || e.opts.Mode == "both" }

func (e *Extractor) continuous() bool { return e.opts.Mode == "continuous" || e.opts.Mode == "both" }

// Run processes events until ctx is done. An open voice segment is admitted
// before Run returns.
func (e *Extractor) Run(ctx context.Context) error {
	defer close(e.done)
	e.log.Info("segment extractor started", slog.String("mode", e.opts.Mode))
	for {
		select {
		case <-ctx.Done():
			e.flush(context.Background())
			return nil
		case ev := <-e.events:
			e.handle(ctx, ev)
		}
	}
}

// Feed appends audio to the ring. It blocks only while the event buffer is
// full.
func (e *Extractor) Feed(ctx context.Context, samples []float32) error {
	return e.send(ctx, event{frame: samples})
}

// Trigger applies a trigger event and returns the sequence id of the
// recording it produced, if any.
func (e *Extractor) Trigger(ctx context.Context, ev protocol.TriggerEvent) (uint64, error) {
	reply := make(chan result, 1)
	if err := e.send(ctx, event{trigger: &ev, reply: reply}); err != nil {
		return 0, err
	}
	select {
	case r := <-reply:
		return r.seq, r.err
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-e.done:
		return 0, ErrStopped
	}
}

func (e *Extractor) send(ctx context.Context, ev event) error {
	select {
	case e.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrStopped
	}
}

func (e *Extractor) handle(ctx context.Context, ev event) {
	if ev.trigger == nil {
		e.write(ctx, ev.frame)
		return
	}
	seq, err := e.trigger(ctx, *ev.trigger)
	ev.reply <- result{seq: seq, err: err}
}

func (e *Extractor) write(ctx context.Context, samples []float32) {
	pos := e.ring.Position()
	e.ring.Write(samples)
	if e.seg == nil {
		return
	}
	for _, s := range e.seg.Push(pos, samples) {
		e.admitRange(ctx, "vad", s.Start, s.End)
	}
}

func (e *Extractor) trigger(ctx context.Context, ev protocol.TriggerEvent) (uint64, error) {
	switch ev.Type {
	case protocol.TriggerStart:
		if !e.pushToTalk() {
			return 0, ErrTriggerDisabled
		}
		if e.recording {
			e.log.Debug("start trigger while recording, keeping original mark", slog.String("source", ev.Source))
			return 0, nil
		}
		e.recording = true
		e.mark = e.ring.Position()
		e.source = ev.Source
		return 0, nil
	case protocol.TriggerStop:
		if !e.recording {
			return 0, ErrNotRecording
		}
		e.recording = false
		source := e.source
		if source == "" {
			source = ev.Source
		}
		return e.admitRange(ctx, source, e.mark, e.ring.Position())
	case protocol.TriggerCancel:
		e.recording = false
		return 0, nil
	case protocol.TriggerSegment:
		if !e.continuous() {
			return 0, ErrTriggerDisabled
		}
		rate := int64(e.ring.SampleRate())
		return e.admitRange(ctx, ev.Source, ev.StartMS*rate/1000, ev.EndMS*rate/1000)
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownTrigger, ev.Type)
	}
}

func (e *Extractor) admitRange(ctx context.Context, source string, from, to int64) (uint64, error) {
	if oldest := e.ring.Position() - e.ring.Capacity(); from < oldest {
		e.log.Warn("recording longer than ring buffer, oldest audio lost",
			slog.String("source", source),
			slog.Duration("lost", time.Duration(oldest-from)*time.Second/time.Duration(e.ring.SampleRate())),
		)
	}
	samples := e.ring.ReadRange(from, to)
	capturedAt := time.Now().Add(-time.Duration(e.ring.Position()-from) * time.Second / time.Duration(e.ring.SampleRate()))
	return e.admit(ctx, source, samples, capturedAt)
}

func (e *Extractor) admit(ctx context.Context, source string, samples []float32, capturedAt time.Time) (uint64, error) {
	stats, err := audio.Validate(samples, e.ring.SampleRate(), e.opts.MinDuration, e.opts.MaxDuration)
	if err != nil {
		e.reject(ctx, source, "invalid", err)
		return 0, err
	}
	seq, err := e.queue.EnqueueFrom(ctx, source, samples, e.ring.SampleRate(), capturedAt)
	if err != nil {
		reason := "closed"
		if errors.Is(err, queue.ErrQueueFull) {
			reason = "full"
		}
		e.reject(ctx, source, reason, err)
		return 0, err
	}
	e.log.Info("recording admitted",
		slog.Uint64("sequence_id", seq),
		slog.String("source", source),
		slog.Duration("duration", stats.Duration),
		slog.Float64("rms", stats.RMS),
	)
	return seq, nil
}

func (e *Extractor) reject(ctx context.Context, source, reason string, err error) {
	e.opts.Metrics.RecordRejected(ctx, reason)
	e.log.Warn("recording rejected",
		slog.String("source", source),
		slog.String("reason", reason),
		slog.String("error", err.Error()),
	)
	if e.opts.OnError != nil {
		e.opts.OnError(protocol.ErrorAdmission, source, err)
	}
}

func (e *Extractor) flush(ctx context.Context) {
	if e.seg == nil {
		return
	}
	if s, ok := e.seg.Flush(); ok {
		_, _ = e.admitRange(ctx, "vad", s.Start, s.End)
	}
}

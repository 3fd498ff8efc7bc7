package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/queue"
)

const rate = 16000

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func tone(d time.Duration) []float32 {
	n := int(d.Seconds() * rate)
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/rate))
	}
	return out
}

func silence(d time.Duration) []float32 {
	return make([]float32, int(d.Seconds()*rate))
}

type errorLog struct {
	mu   sync.Mutex
	errs []error
}

func (l *errorLog) record(kind protocol.ErrorKind, _ string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if kind == protocol.ErrorAdmission {
		l.errs = append(l.errs, err)
	}
}

func (l *errorLog) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.errs)
}

func start(t *testing.T, mode string, q *queue.Queue) (*Extractor, *errorLog) {
	t.Helper()
	cfg := config.Default()
	cfg.Trigger.Mode = mode
	opts := OptionsFromConfig(cfg)
	errs := &errorLog{}
	opts.OnError = errs.record
	ext := New(opts, audio.NewRing(rate, 30), q, newLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = ext.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return ext, errs
}

func feed(t *testing.T, ext *Extractor, chunks ...[]float32) {
	t.Helper()
	for _, c := range chunks {
		if err := ext.Feed(context.Background(), c); err != nil {
			t.Fatalf("feed: %v", err)
		}
	}
}

func trigger(ext *Extractor, typ protocol.TriggerType) (uint64, error) {
	return ext.Trigger(context.Background(), protocol.TriggerEvent{Type: typ, Source: "test", Timestamp: time.Now()})
}

func TestPushToTalkRecording(t *testing.T) {
	q := queue.New(queue.Options{MaxPending: 4}, newLogger())
	ext, _ := start(t, "push_to_talk", q)

	feed(t, ext, silence(500*time.Millisecond))
	if _, err := trigger(ext, protocol.TriggerStart); err != nil {
		t.Fatalf("start: %v", err)
	}
	feed(t, ext, tone(time.Second))
	seq, err := trigger(ext, protocol.TriggerStop)
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	if seq != 1 {
		t.Fatalf("expected sequence 1, got %d", seq)
	}
	rec, err := q.Dequeue()
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if len(rec.Samples) != rate || rec.Source != "test" || rec.SampleRate != rate {
		t.Fatalf("unexpected recording len=%d source=%q", len(rec.Samples), rec.Source)
	}
}

func TestStopWithoutStart(t *testing.T) {
	q := queue.New(queue.Options{}, newLogger())
	ext, _ := start(t, "push_to_talk", q)
	if _, err := trigger(ext, protocol.TriggerStop); !errors.Is(err, ErrNotRecording) {
		t.Fatalf("expected ErrNotRecording, got %v", err)
	}
}

func TestTooShortRecordingRejected(t *testing.T) {
	q := queue.New(queue.Options{}, newLogger())
	ext, errs := start(t, "push_to_talk", q)

	trigger(ext, protocol.TriggerStart)
	feed(t, ext, tone(50*time.Millisecond))
	if _, err := trigger(ext, protocol.TriggerStop); !errors.Is(err, audio.ErrTooShort) {
		t.Fatalf("expected ErrTooShort, got %v", err)
	}
	if errs.count() != 1 {
		t.Fatalf("expected one admission error, got %d", errs.count())
	}
	if q.PendingCount() != 0 {
		t.Fatal("rejected audio must not reach the queue")
	}
}

func TestQueueFullSurfacesAdmissionError(t *testing.T) {
	q := queue.New(queue.Options{MaxPending: 1, Policy: queue.PolicyDrop}, newLogger())
	ext, errs := start(t, "push_to_talk", q)

	for i := 0; i < 2; i++ {
		trigger(ext, protocol.TriggerStart)
		feed(t, ext, tone(200*time.Millisecond))
		_, err := trigger(ext, protocol.TriggerStop)
		if i == 0 && err != nil {
			t.Fatalf("first recording: %v", err)
		}
		if i == 1 && !errors.Is(err, queue.ErrQueueFull) {
			t.Fatalf("expected ErrQueueFull, got %v", err)
		}
	}
	if errs.count() != 1 {
		t.Fatalf("expected one admission error, got %d", errs.count())
	}
}

func TestContinuousModeSegmentsSpeech(t *testing.T) {
	q := queue.New(queue.Options{}, newLogger())
	ext, _ := start(t, "continuous", q)

	feed(t, ext, silence(500*time.Millisecond), tone(time.Second), silence(time.Second))
	// a cancel is a no-op that returns once every earlier frame is processed
	if _, err := trigger(ext, protocol.TriggerCancel); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	rec, err := q.Dequeue()
	if err != nil {
		t.Fatalf("expected a voice segment: %v", err)
	}
	if rec.Source != "vad" {
		t.Fatalf("unexpected source %q", rec.Source)
	}
	if d := rec.Duration(); d < time.Second || d > 1100*time.Millisecond {
		t.Fatalf("unexpected segment duration %s", d)
	}

	if _, err := trigger(ext, protocol.TriggerStart); !errors.Is(err, ErrTriggerDisabled) {
		t.Fatalf("push-to-talk should be disabled, got %v", err)
	}
}

func TestSegmentTrigger(t *testing.T) {
	q := queue.New(queue.Options{}, newLogger())
	ext, _ := start(t, "both", q)

	feed(t, ext, tone(2*time.Second))
	seq, err := ext.Trigger(context.Background(), protocol.TriggerEvent{
		Type:    protocol.TriggerSegment,
		Source:  "external-vad",
		StartMS: 500,
		EndMS:   1500,
	})
	if err != nil {
		t.Fatalf("segment: %v", err)
	}
	rec, err := q.Dequeue()
	if err != nil || rec.SequenceID != seq || len(rec.Samples) != rate {
		t.Fatalf("unexpected recording %d samples, err %v", len(rec.Samples), err)
	}
}

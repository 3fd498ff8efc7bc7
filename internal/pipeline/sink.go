package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/recording"
)

// Sink receives results in sequence order. Deliver is called from the
// pipeline goroutine, one result at a time.
type Sink interface {
	Deliver(ctx context.Context, r recording.Result) error
}

// ErrorSink is implemented by sinks that also surface user-visible errors.
type ErrorSink interface {
	ReportError(ctx context.Context, ev protocol.ErrorEvent) error
}

// MultiSink fans results out to every sink and joins their errors.
type MultiSink []Sink

func (m MultiSink) Deliver(ctx context.Context, r recording.Result) error {
	var errs []error
	for _, s := range m {
		if err := s.Deliver(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) ReportError(ctx context.Context, ev protocol.ErrorEvent) error {
	var errs []error
	for _, s := range m {
		if es, ok := s.(ErrorSink); ok {
			if err := es.ReportError(ctx, ev); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// LogSink writes transcripts to the structured log.
type LogSink struct {
	Log *slog.Logger
}

func (s LogSink) Deliver(_ context.Context, r recording.Result) error {
	attrs := []any{
		slog.Uint64("sequence_id", r.SequenceID),
		slog.String("status", string(r.Status)),
		slog.String("device", r.ProducedBy),
		slog.String("text", r.Text),
	}
	if r.Partial {
		s.Log.Debug("partial transcript", attrs...)
		return nil
	}
	if r.Err != nil {
		attrs = append(attrs, slog.String("error", r.Err.Error()))
	}
	s.Log.Info("transcript", attrs...)
	return nil
}

func (s LogSink) ReportError(_ context.Context, ev protocol.ErrorEvent) error {
	s.Log.Warn("scribe error",
		slog.String("kind", string(ev.Kind)),
		slog.Uint64("sequence_id", ev.SequenceID),
		slog.String("message", ev.Message),
	)
	return nil
}

// Publisher is the subset of *nats.Conn used by BusSink.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// BusSink publishes transcripts and error events on the bus.
type BusSink struct {
	Pub   Publisher
	clock func() time.Time
}

func NewBusSink(pub Publisher) *BusSink {
	return &BusSink{Pub: pub, clock: time.Now}
}

func (s *BusSink) Deliver(_ context.Context, r recording.Result) error {
	subject := protocol.SubjectTranscriptFinal
	if r.Partial {
		subject = protocol.SubjectTranscriptPartial
	}
	return s.publish(subject, TranscriptFromResult(r, s.clock()))
}

func (s *BusSink) ReportError(_ context.Context, ev protocol.ErrorEvent) error {
	return s.publish(protocol.SubjectError, ev)
}

func (s *BusSink) publish(subject string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", subject, err)
	}
	if err := s.Pub.Publish(subject, data); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// TranscriptFromResult converts a pipeline result to its wire form.
func TranscriptFromResult(r recording.Result, now time.Time) protocol.Transcript {
	t := protocol.Transcript{
		SessionID:  r.Source,
		SequenceID: r.SequenceID,
		ChunkIndex: r.ChunkIndex,
		ChunkTotal: r.ChunkTotal,
		Text:       r.Text,
		Partial:    r.Partial,
		Status:     string(r.Status),
		Device:     r.ProducedBy,
		Confidence: r.Confidence,
		CapturedAt: r.CapturedAt,
		Timestamp:  now.UTC(),
	}
	if r.Err != nil {
		t.Error = r.Err.Error()
	}
	return t
}

package capture

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Binding feeds bus traffic into an extractor.
type Binding struct {
	ext      *Extractor
	log      *slog.Logger
	msgs     chan *nats.Msg
	subs     []*nats.Subscription
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	dropRate sync.Once
}

// Bind subscribes to audio frames and trigger events. Both subscriptions
// deliver into one channel, so a trigger sent after a frame on the same
// connection is applied after that frame.
func Bind(ctx context.Context, conn *nats.Conn, ext *Extractor) (*Binding, error) {
	ctx, cancel := context.WithCancel(ctx)
	b := &Binding{
		ext:    ext,
		log:    ext.log,
		msgs:   make(chan *nats.Msg, 512),
		cancel: cancel,
	}
	for _, subject := range []string{protocol.SubjectAudioFramePrefix + ".>", protocol.SubjectTriggerPrefix + ".>"} {
		sub, err := conn.ChanSubscribe(subject, b.msgs)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		b.subs = append(b.subs, sub)
	}
	b.wg.Add(1)
	go b.run(ctx)
	return b, nil
}

func (b *Binding) Close() {
	for _, sub := range b.subs {
		_ = sub.Unsubscribe()
	}
	b.cancel()
	b.wg.Wait()
}

func (b *Binding) run(ctx context.Context) {
	defer b.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-b.msgs:
			if strings.HasPrefix(msg.Subject, protocol.SubjectTriggerPrefix+".") {
				b.handleTrigger(ctx, msg)
			} else {
				b.handleFrame(ctx, msg)
			}
		}
	}
}

func (b *Binding) handleTrigger(ctx context.Context, msg *nats.Msg) {
	var ev protocol.TriggerEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		b.log.Warn("failed to decode trigger", slog.String("error", err.Error()))
		b.respond(msg, protocol.TriggerAck{Error: err.Error()})
		return
	}
	if ev.Source == "" {
		ev.Source = strings.TrimPrefix(msg.Subject, protocol.SubjectTriggerPrefix+".")
	}
	seq, err := b.ext.Trigger(ctx, ev)
	ack := protocol.TriggerAck{SequenceID: seq}
	if err != nil {
		ack.Error = err.Error()
	}
	b.respond(msg, ack)
}

func (b *Binding) respond(msg *nats.Msg, ack protocol.TriggerAck) {
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(ack)
	if err != nil {
		return
	}
	if err := msg.Respond(data); err != nil {
		b.log.Warn("failed to answer trigger", slog.String("error", err.Error()))
	}
}

func (b *Binding) handleFrame(ctx context.Context, msg *nats.Msg) {
	var frame protocol.AudioFrame
	if err := json.Unmarshal(msg.Data, &frame); err != nil {
		b.log.Warn("failed to decode audio frame", slog.String("error", err.Error()))
		return
	}
	if frame.SampleRate != 0 && frame.SampleRate != b.ext.ring.SampleRate() {
		b.dropRate.Do(func() {
			b.log.Warn("dropping audio frames with unexpected sample rate",
				slog.String("session_id", frame.SessionID),
				slog.Int("sample_rate", frame.SampleRate),
				slog.Int("expected", b.ext.ring.SampleRate()),
			)
		})
		return
	}
	samples, err := audio.PCM16ToFloat32(frame.PCM, frame.Channels)
	if err != nil {
		b.log.Warn("invalid audio frame", slog.String("session_id", frame.SessionID), slog.String("error", err.Error()))
		return
	}
	if err := b.ext.Feed(ctx, samples); err != nil {
		b.log.Debug("audio frame not delivered", slog.String("error", err.Error()))
	}
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/protocol"
	"github.com/loqalabs/loqa-scribe/internal/status"
	"github.com/nats-io/nats.go"
)

var version = "0.1.0-dev"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "expected 'transcribe', 'status', 'reload', 'history' or 'version'")
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "transcribe":
		err = runTranscribe(os.Args[2:])
	case "status":
		err = runStatus(os.Args[2:])
	case "reload":
		err = runReload(os.Args[2:])
	case "history":
		err = runHistory(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type common struct {
	configPath string
	servers    string
	timeout    time.Duration
}

func (c *common) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&c.servers, "servers", "", "Comma-separated NATS servers (overrides config)")
	fs.DurationVar(&c.timeout, "timeout", 30*time.Second, "Overall timeout")
}

func (c *common) config() (config.Config, error) {
	cfg := config.Default()
	if c.configPath != "" {
		var err error
		if cfg, err = config.Load(c.configPath); err != nil {
			return cfg, err
		}
	}
	if c.servers != "" {
		cfg.Bus.Servers = strings.Split(c.servers, ",")
	}
	return cfg, nil
}

func (c *common) connect(ctx context.Context) (*bus.Client, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, err
	}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	return bus.Connect(ctx, cfg.Bus, "scribectl", log)
}

func runTranscribe(args []string) error {
	var (
		c       common
		file    string
		session string
		frameMS int
	)
	fs := flag.NewFlagSet("transcribe", flag.ExitOnError)
	c.register(fs)
	fs.StringVar(&file, "file", "", "WAV file to transcribe")
	fs.StringVar(&session, "session", "", "Session id (random when empty)")
	fs.IntVar(&frameMS, "frame-ms", 100, "Audio frame size")
	_ = fs.Parse(args)
	if file == "" {
		return errors.New("-file is required")
	}
	if session == "" {
		session = uuid.NewString()
	}

	f, err := os.Open(file)
	if err != nil {
		return err
	}
	samples, rate, err := audio.DecodeWAV(f)
	f.Close()
	if err != nil {
		return err
	}

	cfg, err := c.config()
	if err != nil {
		return err
	}
	if rate != cfg.Audio.SampleRate {
		return fmt.Errorf("%s is %d Hz, the daemon expects %d Hz", file, rate, cfg.Audio.SampleRate)
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	client, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	conn := client.Conn()

	finals := make(chan *nats.Msg, 64)
	sub, err := conn.ChanSubscribe(protocol.SubjectTranscriptFinal, finals)
	if err != nil {
		return err
	}
	defer sub.Unsubscribe()

	if _, err := trigger(ctx, conn, session, protocol.TriggerStart); err != nil {
		return err
	}
	frame := rate * frameMS / 1000
	if frame <= 0 {
		frame = rate / 10
	}
	for i := 0; i < len(samples); i += frame {
		end := min(i+frame, len(samples))
		payload, err := json.Marshal(protocol.AudioFrame{
			SessionID:  session,
			Sequence:   i / frame,
			SampleRate: rate,
			Channels:   1,
			PCM:        audio.Float32ToPCM16(samples[i:end]),
			Final:      end == len(samples),
		})
		if err != nil {
			return err
		}
		if err := conn.Publish(protocol.SubjectAudioFramePrefix+"."+session, payload); err != nil {
			return err
		}
	}
	seq, err := trigger(ctx, conn, session, protocol.TriggerStop)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for sequence %d: %w", seq, ctx.Err())
		case msg := <-finals:
			var t protocol.Transcript
			if err := json.Unmarshal(msg.Data, &t); err != nil || t.SequenceID != seq {
				continue
			}
			if t.Status != "ok" {
				return fmt.Errorf("sequence %d %s: %s", seq, t.Status, t.Error)
			}
			fmt.Println(t.Text)
			return nil
		}
	}
}

func trigger(ctx context.Context, conn *nats.Conn, session string, typ protocol.TriggerType) (uint64, error) {
	payload, err := json.Marshal(protocol.TriggerEvent{Type: typ, Source: session, Timestamp: time.Now().UTC()})
	if err != nil {
		return 0, err
	}
	msg, err := conn.RequestWithContext(ctx, protocol.SubjectTriggerPrefix+"."+session, payload)
	if err != nil {
		return 0, fmt.Errorf("%s trigger: %w", typ, err)
	}
	var ack protocol.TriggerAck
	if err := json.Unmarshal(msg.Data, &ack); err != nil {
		return 0, fmt.Errorf("decode %s ack: %w", typ, err)
	}
	if ack.Error != "" {
		return 0, fmt.Errorf("%s trigger: %s", typ, ack.Error)
	}
	return ack.SequenceID, nil
}

func runStatus(args []string) error {
	var c common
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	c.register(fs)
	_ = fs.Parse(args)

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	client, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	snap, err := status.Request(ctx, client.Conn())
	if err != nil {
		return err
	}
	return printJSON(snap)
}

func runReload(args []string) error {
	var (
		c      common
		device string
	)
	fs := flag.NewFlagSet("reload", flag.ExitOnError)
	c.register(fs)
	fs.StringVar(&device, "device", "", "Device id to reload")
	_ = fs.Parse(args)
	if device == "" {
		return errors.New("-device is required")
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	client, err := c.connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()
	payload, _ := json.Marshal(protocol.ReloadRequest{DeviceID: device})
	msg, err := client.Conn().RequestWithContext(ctx, protocol.SubjectReloadRequest, payload)
	if err != nil {
		return err
	}
	var reply protocol.ReloadReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return err
	}
	if reply.Error != "" {
		return errors.New(reply.Error)
	}
	fmt.Printf("%s reloaded\n", device)
	return nil
}

func runHistory(args []string) error {
	var (
		c       common
		session string
		limit   int
	)
	fs := flag.NewFlagSet("history", flag.ExitOnError)
	c.register(fs)
	fs.StringVar(&session, "session", "", "Only show this session")
	fs.IntVar(&limit, "limit", 20, "Maximum entries")
	_ = fs.Parse(args)

	cfg, err := c.config()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()
	store, err := eventstore.Open(ctx, cfg.EventStore, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return err
	}
	defer store.Close()

	var entries []eventstore.Entry
	if session != "" {
		entries, err = store.ListSessionTranscripts(ctx, session, limit)
	} else {
		entries, err = store.Recent(ctx, limit)
	}
	if err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Printf("%s  %s #%d [%s] %s\n", e.CreatedAt.Local().Format(time.DateTime), e.SessionID, e.SequenceID, e.Status, e.Text)
	}
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

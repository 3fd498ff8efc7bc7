//go:build whisper

package stt

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-scribe/internal/config"

	whisperlib "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
)

type whisperBackend struct {
	cfg config.EngineConfig
	log *slog.Logger
}

// NewWhisperBackend loads models through the whisper.cpp bindings. Requires
// building with -tags whisper and libwhisper on the link path.
func NewWhisperBackend(cfg config.EngineConfig, log *slog.Logger) (Backend, error) {
	if cfg.ModelPath == "" {
		return nil, errors.New("whisper: model_path must not be empty")
	}
	return &whisperBackend{cfg: cfg, log: log}, nil
}

func (b *whisperBackend) Name() string { return "whisper" }

func (b *whisperBackend) Enumerate(ctx context.Context) ([]DeviceInfo, error) {
	return DiscoverDevices(ctx, b.cfg)
}

func (b *whisperBackend) Load(_ context.Context, device DeviceInfo) (Engine, error) {
	model, err := whisperlib.New(b.cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("whisper: load model %q on %s: %w", b.cfg.ModelPath, device.ID, err)
	}
	b.log.Info("whisper model loaded",
		slog.String("device", device.ID),
		slog.String("model", b.cfg.ModelPath),
		slog.Bool("multilingual", model.IsMultilingual()))
	return &whisperEngine{
		device:   device.ID,
		model:    model,
		language: b.cfg.Language,
		threads:  b.cfg.Threads,
		log:      b.log,
	}, nil
}

type whisperEngine struct {
	device   string
	model    whisperlib.Model
	language string
	threads  int
	log      *slog.Logger
}

func (e *whisperEngine) DeviceID() string { return e.device }

// Transcribe runs inference on a fresh context. whisper.cpp cannot be
// interrupted mid-call, so ctx is checked before and after.
func (e *whisperEngine) Transcribe(ctx context.Context, samples []float32, _ int) (Transcript, error) {
	if err := ctx.Err(); err != nil {
		return Transcript{}, err
	}
	wctx, err := e.model.NewContext()
	if err != nil {
		return Transcript{}, fmt.Errorf("whisper: create context: %w", err)
	}
	if e.language != "" {
		if err := wctx.SetLanguage(e.language); err != nil {
			e.log.Warn("whisper: failed to set language", slog.String("language", e.language), slog.String("error", err.Error()))
		}
	}
	if e.threads > 0 {
		wctx.SetThreads(uint(e.threads))
	}
	if err := wctx.Process(samples, nil, nil, nil); err != nil {
		return Transcript{}, fmt.Errorf("whisper: process audio: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return Transcript{}, err
	}

	var parts []string
	for {
		segment, err := wctx.NextSegment()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Transcript{}, fmt.Errorf("whisper: read segment: %w", err)
		}
		if text := strings.TrimSpace(segment.Text); text != "" {
			parts = append(parts, text)
		}
	}
	return Transcript{Text: strings.Join(parts, " ")}, nil
}

func (e *whisperEngine) Close() error {
	return e.model.Close()
}

package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"

	"github.com/loqalabs/loqa-scribe/internal/audio"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/mattn/go-shellwords"
)

type execBackend struct {
	cmd []string
	cfg config.EngineConfig
	log *slog.Logger
}

type execResult struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// NewExecBackend runs an external recognizer per transcription. The command
// receives a WAV stream on stdin (--audio -) plus --device, --model and
// --language flags and must print {"text": ..., "confidence": ...}.
func NewExecBackend(cfg config.EngineConfig, log *slog.Logger) (Backend, error) {
	parser := shellwords.NewParser()
	args, err := parser.Parse(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("parse engine command: %w", err)
	}
	if len(args) == 0 {
		return nil, errors.New("engine command is empty")
	}
	return &execBackend{cmd: args, cfg: cfg, log: log}, nil
}

func (b *execBackend) Name() string { return "exec" }

func (b *execBackend) Enumerate(ctx context.Context) ([]DeviceInfo, error) {
	return DiscoverDevices(ctx, b.cfg)
}

func (b *execBackend) Load(_ context.Context, device DeviceInfo) (Engine, error) {
	if _, err := exec.LookPath(b.cmd[0]); err != nil {
		return nil, fmt.Errorf("engine command not found: %w", err)
	}
	args := append([]string{}, b.cmd[1:]...)
	args = append(args, "--audio", "-")
	if device.Kind == KindCPU {
		args = append(args, "--device", "cpu")
	} else {
		args = append(args, "--device", strconv.Itoa(device.Index))
	}
	if b.cfg.ModelPath != "" {
		args = append(args, "--model", b.cfg.ModelPath)
	}
	if b.cfg.Language != "" {
		args = append(args, "--language", b.cfg.Language)
	}
	if b.cfg.Threads > 0 {
		args = append(args, "--threads", strconv.Itoa(b.cfg.Threads))
	}
	return &execEngine{device: device.ID, base: b.cmd[0], args: args}, nil
}

type execEngine struct {
	device string
	base   string
	args   []string
	wav    audio.MemoryFile
}

func (e *execEngine) DeviceID() string { return e.device }

func (e *execEngine) Transcribe(ctx context.Context, samples []float32, sampleRate int) (Transcript, error) {
	defer e.wav.Reset()
	if err := audio.EncodeWAV(&e.wav, samples, sampleRate); err != nil {
		return Transcript{}, err
	}

	command := exec.CommandContext(ctx, e.base, e.args...)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	command.Stdin = bytes.NewReader(e.wav.Bytes())
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Transcript{}, fmt.Errorf("engine command: %w", ctxErr)
		}
		return Transcript{}, fmt.Errorf("engine command failed: %w: %s", err, stderr.String())
	}

	var resp execResult
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return Transcript{}, fmt.Errorf("decode engine response: %w", err)
	}
	return Transcript{Text: resp.Text, Confidence: resp.Confidence}, nil
}

func (e *execEngine) Close() error { return nil }

// Package stt provides the transcription backends. Each backend enumerates
// compute devices and loads one engine per device; the worker pool is written
// against these interfaces only.
package stt

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// Kind distinguishes accelerators from the CPU fallback device.
type Kind string

const (
	KindGPU Kind = "gpu"
	KindCPU Kind = "cpu"
)

// CPUDeviceID identifies the CPU fallback device.
const CPUDeviceID = "cpu"

// DeviceInfo describes a compute device before its model is loaded.
type DeviceInfo struct {
	ID    string `json:"id"`
	Kind  Kind   `json:"kind"`
	Index int    `json:"index"`
}

// CPUDevice returns the CPU fallback device description.
func CPUDevice() DeviceInfo {
	return DeviceInfo{ID: CPUDeviceID, Kind: KindCPU, Index: -1}
}

// Transcript captures engine output.
type Transcript struct {
	Text       string
	Confidence float64
}

// Engine is a loaded model bound to one device. It is not safe for
// concurrent use; the worker pool gives each engine its own goroutine.
type Engine interface {
	DeviceID() string
	Transcribe(ctx context.Context, samples []float32, sampleRate int) (Transcript, error)
	Close() error
}

// Backend enumerates accelerator devices and loads engines onto them.
// Enumerate never includes the CPU device; the pool adds it when configured.
type Backend interface {
	Name() string
	Enumerate(ctx context.Context) ([]DeviceInfo, error)
	Load(ctx context.Context, device DeviceInfo) (Engine, error)
}

// NewBackend selects the backend named by cfg.Backend.
func NewBackend(cfg config.EngineConfig, log *slog.Logger) (Backend, error) {
	switch cfg.Backend {
	case "mock":
		return NewMockBackend(cfg), nil
	case "exec":
		return NewExecBackend(cfg, log)
	case "whisper":
		return NewWhisperBackend(cfg, log)
	default:
		return nil, fmt.Errorf("unknown engine backend %q", cfg.Backend)
	}
}

//go:build !whisper

package stt

import (
	"errors"
	"log/slog"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// NewWhisperBackend reports that the whisper.cpp backend was not compiled in.
func NewWhisperBackend(_ config.EngineConfig, _ *slog.Logger) (Backend, error) {
	return nil, errors.New("whisper backend not compiled in; rebuild with -tags whisper")
}

package stt

import (
	"context"
	"fmt"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

type mockBackend struct {
	cfg config.EngineConfig
}

// NewMockBackend returns a backend whose engines produce a deterministic
// description of the audio after a fixed latency.
func NewMockBackend(cfg config.EngineConfig) Backend {
	return &mockBackend{cfg: cfg}
}

func (b *mockBackend) Name() string { return "mock" }

func (b *mockBackend) Enumerate(ctx context.Context) ([]DeviceInfo, error) {
	return DiscoverDevices(ctx, b.cfg)
}

func (b *mockBackend) Load(_ context.Context, device DeviceInfo) (Engine, error) {
	return &mockEngine{
		device:  device.ID,
		latency: time.Duration(b.cfg.MockLatencyMS) * time.Millisecond,
	}, nil
}

type mockEngine struct {
	device  string
	latency time.Duration
}

func (m *mockEngine) DeviceID() string { return m.device }

func (m *mockEngine) Transcribe(ctx context.Context, samples []float32, sampleRate int) (Transcript, error) {
	if m.latency > 0 {
		timer := time.NewTimer(m.latency)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return Transcript{}, ctx.Err()
		case <-timer.C:
		}
	}
	var d time.Duration
	if sampleRate > 0 {
		d = time.Duration(len(samples)) * time.Second / time.Duration(sampleRate)
	}
	return Transcript{
		Text:       fmt.Sprintf("[transcript duration=%s]", d.Round(time.Millisecond)),
		Confidence: 0,
	}, nil
}

func (m *mockEngine) Close() error { return nil }

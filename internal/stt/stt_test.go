package stt

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestDiscoverFromList(t *testing.T) {
	cfg := config.Default().Engine
	cfg.Devices = []string{"0", "1", "1"}
	devices, err := DiscoverDevices(context.Background(), cfg)
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(devices) != 2 || devices[0].ID != "gpu0" || devices[1].Index != 1 || devices[1].Kind != KindGPU {
		t.Fatalf("unexpected devices: %+v", devices)
	}

	cfg.Devices = []string{"x"}
	if _, err := DiscoverDevices(context.Background(), cfg); err == nil {
		t.Fatal("expected error for invalid index")
	}
}

func TestDiscoverDisabled(t *testing.T) {
	cfg := config.Default().Engine
	cfg.AutoDetect = false
	devices, err := DiscoverDevices(context.Background(), cfg)
	if err != nil || len(devices) != 0 {
		t.Fatalf("expected no devices, got %v %v", devices, err)
	}
}

func TestParseDetectOutput(t *testing.T) {
	devices, err := parseDetectOutput([]byte("0, NVIDIA RTX 4090\n\n1, NVIDIA RTX 3060\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(devices) != 2 || devices[1].ID != "gpu1" {
		t.Fatalf("unexpected devices: %+v", devices)
	}
	if _, err := parseDetectOutput([]byte("No devices were found")); err == nil {
		t.Fatal("expected error for unexpected output")
	}
}

func TestMockEngine(t *testing.T) {
	cfg := config.Default().Engine
	cfg.MockLatencyMS = 0
	backend, err := NewBackend(cfg, newLogger())
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	engine, err := backend.Load(context.Background(), CPUDevice())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if engine.DeviceID() != CPUDeviceID {
		t.Fatalf("unexpected device id %s", engine.DeviceID())
	}
	res, err := engine.Transcribe(context.Background(), make([]float32, 8000), 16000)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if !strings.Contains(res.Text, "500ms") {
		t.Fatalf("unexpected text %q", res.Text)
	}
}

func TestMockEngineHonoursContext(t *testing.T) {
	cfg := config.Default().Engine
	cfg.MockLatencyMS = 1000
	engine, _ := NewMockBackend(cfg).Load(context.Background(), CPUDevice())
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := engine.Transcribe(ctx, make([]float32, 10), 16000); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestExecEngine(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "recognizer.sh")
	body := "#!/bin/sh\n" +
		"head -c 4 | grep -q RIFF || exit 3\n" +
		"cat > /dev/null\n" +
		"echo '{\"text\":\"hello world\",\"confidence\":0.75}'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	cfg := config.Default().Engine
	cfg.Backend = "exec"
	cfg.Command = script + " --json"
	backend, err := NewBackend(cfg, newLogger())
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	engine, err := backend.Load(context.Background(), DeviceInfo{ID: "gpu0", Kind: KindGPU, Index: 0})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	res, err := engine.Transcribe(context.Background(), make([]float32, 1600), 16000)
	if err != nil {
		t.Fatalf("transcribe: %v", err)
	}
	if res.Text != "hello world" || res.Confidence != 0.75 {
		t.Fatalf("unexpected result %+v", res)
	}
	exe := engine.(*execEngine)
	if len(exe.wav.Bytes()) != 0 {
		t.Fatal("encoded audio must not outlive the call")
	}
	if !strings.Contains(strings.Join(exe.args, " "), "--device 0") {
		t.Fatalf("expected device flag in %v", exe.args)
	}
}

func TestExecEngineFailure(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script fixture")
	}
	script := filepath.Join(t.TempDir(), "fail.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho boom >&2\nexit 1\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	cfg := config.Default().Engine
	cfg.Command = script
	backend, err := NewExecBackend(cfg, newLogger())
	if err != nil {
		t.Fatalf("backend: %v", err)
	}
	engine, err := backend.Load(context.Background(), CPUDevice())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if _, err := engine.Transcribe(context.Background(), make([]float32, 160), 16000); err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}

func TestUnknownBackend(t *testing.T) {
	cfg := config.Default().Engine
	cfg.Backend = "tpu"
	if _, err := NewBackend(cfg, newLogger()); err == nil {
		t.Fatal("expected error")
	}
}

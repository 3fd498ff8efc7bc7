package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Queue.MaxPending != 10 || cfg.Queue.HighWaterMark != 8 {
		t.Fatalf("unexpected queue defaults: %+v", cfg.Queue)
	}
	if cfg.Chunking.OverlapMS != 500 {
		t.Fatalf("expected 500ms overlap, got %d", cfg.Chunking.OverlapMS)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scribe.yaml")
	data := []byte(`
queue:
  max_pending: 4
  backpressure: drop
aggregator:
  mode: streaming
engine:
  backend: exec
  command: "whisper-cli --json"
  devices: ["0", "1"]
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Queue.MaxPending != 4 || cfg.Queue.Backpressure != "drop" {
		t.Fatalf("queue not decoded: %+v", cfg.Queue)
	}
	if cfg.Aggregator.Mode != "streaming" {
		t.Fatalf("expected streaming mode, got %s", cfg.Aggregator.Mode)
	}
	if len(cfg.Engine.Devices) != 2 {
		t.Fatalf("expected 2 devices, got %v", cfg.Engine.Devices)
	}
	// untouched sections keep their defaults
	if cfg.Audio.SampleRate != 16000 {
		t.Fatalf("expected default sample rate, got %d", cfg.Audio.SampleRate)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SCRIBE_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("SCRIBE_BUS_USERNAME", "alice")
	t.Setenv("SCRIBE_BUS_PASSWORD", "secret")
	t.Setenv("SCRIBE_BUS_TLS_INSECURE", "true")
	t.Setenv("SCRIBE_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("SCRIBE_NODE_ID", "test-node")
	t.Setenv("SCRIBE_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("SCRIBE_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("SCRIBE_EVENT_STORE_RETENTION_DAYS", "7")
	t.Setenv("SCRIBE_QUEUE_MAX_PENDING", "3")
	t.Setenv("SCRIBE_QUEUE_BACKPRESSURE", "drop")
	t.Setenv("SCRIBE_ENGINE_DEVICES", "0,1,2")
	t.Setenv("SCRIBE_CHUNKING_INTERVAL_MS", "0")
	t.Setenv("SCRIBE_CHUNKING_SAFETY_MARGIN", "0.5")
	t.Setenv("SCRIBE_AGGREGATOR_MODE", "streaming")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.Node.ID != "test-node" {
		t.Fatalf("expected node id override")
	}
	if cfg.EventStore.Path != "./tmp.db" || cfg.EventStore.RetentionMode != "persistent" || cfg.EventStore.RetentionDays != 7 {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
	if cfg.Queue.MaxPending != 3 || cfg.Queue.Backpressure != "drop" {
		t.Fatalf("expected queue overrides, got %+v", cfg.Queue)
	}
	if len(cfg.Engine.Devices) != 3 {
		t.Fatalf("expected 3 devices, got %v", cfg.Engine.Devices)
	}
	if cfg.Chunking.IntervalMS != 0 || cfg.Chunking.SafetyMargin != 0.5 {
		t.Fatalf("expected chunking overrides, got %+v", cfg.Chunking)
	}
	if cfg.Aggregator.Mode != "streaming" {
		t.Fatalf("expected aggregator mode override")
	}
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"backpressure":  func(c *Config) { c.Queue.Backpressure = "block" },
		"negative cap":  func(c *Config) { c.Queue.MaxPending = -1 },
		"backend":       func(c *Config) { c.Engine.Backend = "cuda" },
		"exec command":  func(c *Config) { c.Engine.Backend = "exec"; c.Engine.Command = "" },
		"margin":        func(c *Config) { c.Chunking.SafetyMargin = 2.5 },
		"overlap":       func(c *Config) { c.Chunking.OverlapMS = c.Chunking.IntervalMS },
		"mode":          func(c *Config) { c.Aggregator.Mode = "lenient" },
		"gap timeout":   func(c *Config) { c.Aggregator.GapTimeoutMS = 10 },
		"gap retries":   func(c *Config) { c.Aggregator.GapTimeoutMS = 2 * c.Engine.TranscribeTimeoutMS },
		"trigger":       func(c *Config) { c.Trigger.Mode = "hotword" },
		"min recording": func(c *Config) { c.Audio.MaxRecordingMS = c.Audio.MinRecordingMS },
		"target rms":    func(c *Config) { c.Audio.TargetRMSDB = 3 },
		"ceiling":       func(c *Config) { c.Audio.Limiter.CeilingDB = 1 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(&cfg)
			if err := validate(cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	Node        NodeConfig       `yaml:"node"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Audio       AudioConfig      `yaml:"audio"`
	Trigger     TriggerConfig    `yaml:"trigger"`
	VAD         VADConfig        `yaml:"vad"`
	Queue       QueueConfig      `yaml:"queue"`
	Engine      EngineConfig     `yaml:"engine"`
	Chunking    ChunkingConfig   `yaml:"chunking"`
	Aggregator  AggregatorConfig `yaml:"aggregator"`
	Output      OutputConfig     `yaml:"output"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`

	// TranscriptStream names a JetStream stream that retains final
	// transcripts. Empty disables it.
	TranscriptStream string `yaml:"transcript_stream"`
	StreamMaxAgeH    int    `yaml:"stream_max_age_hours"`
}

type NodeConfig struct {
	ID                string `yaml:"id"`
	HeartbeatInterval int    `yaml:"heartbeat_interval_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

type AudioConfig struct {
	SampleRate        int              `yaml:"sample_rate"`
	RingBufferSeconds int              `yaml:"ring_buffer_seconds"`
	MinRecordingMS    int              `yaml:"min_recording_ms"`
	MaxRecordingMS    int              `yaml:"max_recording_ms"`
	Normalize         bool             `yaml:"normalize"`
	TargetRMSDB       float64          `yaml:"target_rms_db"`
	Compressor        CompressorConfig `yaml:"compressor"`
	Limiter           LimiterConfig    `yaml:"limiter"`
}

type CompressorConfig struct {
	Enabled     bool    `yaml:"enabled"`
	ThresholdDB float64 `yaml:"threshold_db"`
	Ratio       float64 `yaml:"ratio"`
	AttackMS    float64 `yaml:"attack_ms"`
	ReleaseMS   float64 `yaml:"release_ms"`
	MakeupDB    float64 `yaml:"makeup_db"`
}

type LimiterConfig struct {
	Enabled   bool    `yaml:"enabled"`
	CeilingDB float64 `yaml:"ceiling_db"`
	ReleaseMS float64 `yaml:"release_ms"`
}

type TriggerConfig struct {
	Mode string `yaml:"mode"` // push_to_talk, continuous, both
}

type VADConfig struct {
	Threshold    float64 `yaml:"threshold"`
	MinSilenceMS int     `yaml:"min_silence_ms"`
	MinSpeechMS  int     `yaml:"min_speech_ms"`
	SpeechPadMS  int     `yaml:"speech_pad_ms"`
	FrameMS      int     `yaml:"frame_ms"`
}

type QueueConfig struct {
	MaxPending    int    `yaml:"max_pending"`
	Backpressure  string `yaml:"backpressure"` // drop, wait
	MaxWaitMS     int    `yaml:"max_wait_ms"`
	HighWaterMark int    `yaml:"high_water_mark"`
}

type EngineConfig struct {
	Backend             string   `yaml:"backend"` // mock, exec, whisper
	ModelPath           string   `yaml:"model_path"`
	Language            string   `yaml:"language"`
	Command             string   `yaml:"command"`
	DetectCommand       string   `yaml:"detect_command"`
	AutoDetect          bool     `yaml:"auto_detect"`
	Devices             []string `yaml:"devices"`
	CPUFallback         bool     `yaml:"cpu_fallback"`
	Threads             int      `yaml:"threads"`
	MockLatencyMS       int      `yaml:"mock_latency_ms"`
	TranscribeTimeoutMS int      `yaml:"transcribe_timeout_ms"`
	SuspectFailures     int      `yaml:"suspect_failures"`
	SuspectWindowMS     int      `yaml:"suspect_window_ms"`
}

type ChunkingConfig struct {
	Enabled       bool    `yaml:"enabled"`
	IntervalMS    int     `yaml:"interval_ms"` // 0 = auto
	OverlapMS     int     `yaml:"overlap_ms"`
	SafetyMargin  float64 `yaml:"safety_margin"`
	BenchmarkRuns int     `yaml:"benchmark_runs"`
	MinIntervalMS int     `yaml:"min_interval_ms"`
	MaxIntervalMS int     `yaml:"max_interval_ms"`
}

type AggregatorConfig struct {
	Mode          string `yaml:"mode"` // strict, streaming
	GapTimeoutMS  int    `yaml:"gap_timeout_ms"`
	WaitTimeoutMS int    `yaml:"wait_timeout_ms"`
	Separator     string `yaml:"separator"`
}

type OutputConfig struct {
	Bus     bool `yaml:"bus"`
	History bool `yaml:"history"`
	Log     bool `yaml:"log"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-scribe",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "127.0.0.1",
			Port: 8085,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:         true,
			Port:             4222,
			StoreDir:         "./data/nats",
			Servers:          []string{"nats://localhost:4222"},
			ConnectTimeout:   2000,
			TranscriptStream: "SCRIBE_TRANSCRIPTS",
			StreamMaxAgeH:    24,
		},
		Node: NodeConfig{
			ID:                "scribe-1",
			HeartbeatInterval: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/scribe-history.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   1000,
		},
		Audio: AudioConfig{
			SampleRate:        16000,
			RingBufferSeconds: 30,
			MinRecordingMS:    100,
			MaxRecordingMS:    300000,
			Normalize:         true,
			TargetRMSDB:       -18,
			Compressor: CompressorConfig{
				Enabled:     true,
				ThresholdDB: -24,
				Ratio:       4,
				AttackMS:    5,
				ReleaseMS:   50,
				MakeupDB:    6,
			},
			Limiter: LimiterConfig{
				Enabled:   true,
				CeilingDB: -1,
				ReleaseMS: 50,
			},
		},
		Trigger: TriggerConfig{
			Mode: "push_to_talk",
		},
		VAD: VADConfig{
			Threshold:    0.5,
			MinSilenceMS: 700,
			MinSpeechMS:  250,
			SpeechPadMS:  30,
			FrameMS:      30,
		},
		Queue: QueueConfig{
			MaxPending:    10,
			Backpressure:  "wait",
			MaxWaitMS:     5000,
			HighWaterMark: 8,
		},
		Engine: EngineConfig{
			Backend:             "mock",
			Language:            "en",
			DetectCommand:       "nvidia-smi --query-gpu=index --format=csv,noheader",
			CPUFallback:         true,
			Threads:             4,
			MockLatencyMS:       50,
			TranscribeTimeoutMS: 30000,
			SuspectFailures:     2,
			SuspectWindowMS:     60000,
		},
		Chunking: ChunkingConfig{
			Enabled:       true,
			IntervalMS:    5000,
			OverlapMS:     500,
			SafetyMargin:  0.2,
			BenchmarkRuns: 3,
			MinIntervalMS: 1000,
			MaxIntervalMS: 30000,
		},
		Aggregator: AggregatorConfig{
			Mode:          "strict",
			GapTimeoutMS:  90000,
			WaitTimeoutMS: 1000,
			Separator:     " ",
		},
		Output: OutputConfig{
			Bus:     true,
			History: true,
			Log:     false,
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "SCRIBE_RUNTIME_NAME")
	overrideString(&cfg.Environment, "SCRIBE_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "SCRIBE_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "SCRIBE_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "SCRIBE_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "SCRIBE_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "SCRIBE_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "SCRIBE_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "SCRIBE_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "SCRIBE_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "SCRIBE_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "SCRIBE_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "SCRIBE_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "SCRIBE_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "SCRIBE_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "SCRIBE_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "SCRIBE_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.Bus.TranscriptStream, "SCRIBE_BUS_TRANSCRIPT_STREAM")
	overrideString(&cfg.Node.ID, "SCRIBE_NODE_ID")
	overrideInt(&cfg.Node.HeartbeatInterval, "SCRIBE_NODE_HEARTBEAT_INTERVAL_MS")
	overrideString(&cfg.EventStore.Path, "SCRIBE_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "SCRIBE_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "SCRIBE_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "SCRIBE_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "SCRIBE_EVENT_STORE_VACUUM_ON_START")
	overrideInt(&cfg.Audio.SampleRate, "SCRIBE_AUDIO_SAMPLE_RATE")
	overrideInt(&cfg.Audio.RingBufferSeconds, "SCRIBE_AUDIO_RING_BUFFER_SECONDS")
	overrideInt(&cfg.Audio.MinRecordingMS, "SCRIBE_AUDIO_MIN_RECORDING_MS")
	overrideInt(&cfg.Audio.MaxRecordingMS, "SCRIBE_AUDIO_MAX_RECORDING_MS")
	overrideBool(&cfg.Audio.Normalize, "SCRIBE_AUDIO_NORMALIZE")
	overrideFloat(&cfg.Audio.TargetRMSDB, "SCRIBE_AUDIO_TARGET_RMS_DB")
	overrideBool(&cfg.Audio.Compressor.Enabled, "SCRIBE_AUDIO_COMPRESSOR_ENABLED")
	overrideBool(&cfg.Audio.Limiter.Enabled, "SCRIBE_AUDIO_LIMITER_ENABLED")
	overrideString(&cfg.Trigger.Mode, "SCRIBE_TRIGGER_MODE")
	overrideFloat(&cfg.VAD.Threshold, "SCRIBE_VAD_THRESHOLD")
	overrideInt(&cfg.VAD.MinSilenceMS, "SCRIBE_VAD_MIN_SILENCE_MS")
	overrideInt(&cfg.VAD.MinSpeechMS, "SCRIBE_VAD_MIN_SPEECH_MS")
	overrideInt(&cfg.VAD.SpeechPadMS, "SCRIBE_VAD_SPEECH_PAD_MS")
	overrideInt(&cfg.VAD.FrameMS, "SCRIBE_VAD_FRAME_MS")
	overrideInt(&cfg.Queue.MaxPending, "SCRIBE_QUEUE_MAX_PENDING")
	overrideString(&cfg.Queue.Backpressure, "SCRIBE_QUEUE_BACKPRESSURE")
	overrideInt(&cfg.Queue.MaxWaitMS, "SCRIBE_QUEUE_MAX_WAIT_MS")
	overrideInt(&cfg.Queue.HighWaterMark, "SCRIBE_QUEUE_HIGH_WATER_MARK")
	overrideString(&cfg.Engine.Backend, "SCRIBE_ENGINE_BACKEND")
	overrideString(&cfg.Engine.ModelPath, "SCRIBE_ENGINE_MODEL_PATH")
	overrideString(&cfg.Engine.Language, "SCRIBE_ENGINE_LANGUAGE")
	overrideString(&cfg.Engine.Command, "SCRIBE_ENGINE_COMMAND")
	overrideString(&cfg.Engine.DetectCommand, "SCRIBE_ENGINE_DETECT_COMMAND")
	overrideBool(&cfg.Engine.AutoDetect, "SCRIBE_ENGINE_AUTO_DETECT")
	overrideStringSlice(&cfg.Engine.Devices, "SCRIBE_ENGINE_DEVICES")
	overrideBool(&cfg.Engine.CPUFallback, "SCRIBE_ENGINE_CPU_FALLBACK")
	overrideInt(&cfg.Engine.Threads, "SCRIBE_ENGINE_THREADS")
	overrideInt(&cfg.Engine.MockLatencyMS, "SCRIBE_ENGINE_MOCK_LATENCY_MS")
	overrideInt(&cfg.Engine.TranscribeTimeoutMS, "SCRIBE_ENGINE_TRANSCRIBE_TIMEOUT_MS")
	overrideInt(&cfg.Engine.SuspectFailures, "SCRIBE_ENGINE_SUSPECT_FAILURES")
	overrideInt(&cfg.Engine.SuspectWindowMS, "SCRIBE_ENGINE_SUSPECT_WINDOW_MS")
	overrideBool(&cfg.Chunking.Enabled, "SCRIBE_CHUNKING_ENABLED")
	overrideInt(&cfg.Chunking.IntervalMS, "SCRIBE_CHUNKING_INTERVAL_MS")
	overrideInt(&cfg.Chunking.OverlapMS, "SCRIBE_CHUNKING_OVERLAP_MS")
	overrideFloat(&cfg.Chunking.SafetyMargin, "SCRIBE_CHUNKING_SAFETY_MARGIN")
	overrideInt(&cfg.Chunking.BenchmarkRuns, "SCRIBE_CHUNKING_BENCHMARK_RUNS")
	overrideString(&cfg.Aggregator.Mode, "SCRIBE_AGGREGATOR_MODE")
	overrideInt(&cfg.Aggregator.GapTimeoutMS, "SCRIBE_AGGREGATOR_GAP_TIMEOUT_MS")
	overrideInt(&cfg.Aggregator.WaitTimeoutMS, "SCRIBE_AGGREGATOR_WAIT_TIMEOUT_MS")
	overrideBool(&cfg.Output.Bus, "SCRIBE_OUTPUT_BUS")
	overrideBool(&cfg.Output.History, "SCRIBE_OUTPUT_HISTORY")
	overrideBool(&cfg.Output.Log, "SCRIBE_OUTPUT_LOG")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func overrideFloat(target *float64, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseFloat(value, 64); err == nil {
			*target = parsed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	switch strings.ToLower(cfg.Telemetry.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return errors.New("telemetry.log_level must be one of debug|info|warn|error")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.Node.ID == "" {
		return errors.New("node.id must not be empty")
	}
	if cfg.Node.HeartbeatInterval <= 0 {
		return errors.New("node.heartbeat_interval_ms must be positive")
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}
	if cfg.Audio.SampleRate <= 0 {
		return errors.New("audio.sample_rate must be positive")
	}
	if cfg.Audio.RingBufferSeconds <= 0 {
		return errors.New("audio.ring_buffer_seconds must be positive")
	}
	if cfg.Audio.MinRecordingMS < 0 {
		return errors.New("audio.min_recording_ms must be >= 0")
	}
	if cfg.Audio.MaxRecordingMS <= cfg.Audio.MinRecordingMS {
		return errors.New("audio.max_recording_ms must be greater than min_recording_ms")
	}
	if cfg.Audio.Normalize && cfg.Audio.TargetRMSDB >= 0 {
		return errors.New("audio.target_rms_db must be negative")
	}
	if cfg.Audio.Limiter.Enabled && cfg.Audio.Limiter.CeilingDB > 0 {
		return errors.New("audio.limiter.ceiling_db must be <= 0")
	}
	if cfg.Audio.Compressor.Enabled && cfg.Audio.Compressor.Ratio < 1 {
		return errors.New("audio.compressor.ratio must be >= 1")
	}
	switch cfg.Trigger.Mode {
	case "push_to_talk", "continuous", "both":
	default:
		return errors.New("trigger.mode must be one of push_to_talk|continuous|both")
	}
	if cfg.VAD.Threshold < 0 || cfg.VAD.Threshold > 1 {
		return errors.New("vad.threshold must be between 0 and 1")
	}
	if cfg.VAD.FrameMS <= 0 {
		return errors.New("vad.frame_ms must be positive")
	}
	if cfg.Queue.MaxPending < 0 {
		return errors.New("queue.max_pending must be >= 0")
	}
	switch cfg.Queue.Backpressure {
	case "drop", "wait":
	default:
		return errors.New("queue.backpressure must be one of drop|wait")
	}
	if cfg.Queue.Backpressure == "wait" && cfg.Queue.MaxWaitMS <= 0 {
		return errors.New("queue.max_wait_ms must be positive when backpressure=wait")
	}
	if cfg.Queue.HighWaterMark < 0 {
		return errors.New("queue.high_water_mark must be >= 0")
	}
	switch cfg.Engine.Backend {
	case "mock", "exec", "whisper":
	default:
		return errors.New("engine.backend must be one of mock|exec|whisper")
	}
	if cfg.Engine.Backend == "exec" && cfg.Engine.Command == "" {
		return errors.New("engine.command must be set when backend=exec")
	}
	if cfg.Engine.Backend == "whisper" && cfg.Engine.ModelPath == "" {
		return errors.New("engine.model_path must be set when backend=whisper")
	}
	if cfg.Engine.TranscribeTimeoutMS <= 0 {
		return errors.New("engine.transcribe_timeout_ms must be positive")
	}
	if cfg.Engine.SuspectFailures <= 0 {
		return errors.New("engine.suspect_failures must be >= 1")
	}
	if cfg.Engine.SuspectWindowMS <= 0 {
		return errors.New("engine.suspect_window_ms must be positive")
	}
	if cfg.Chunking.IntervalMS < 0 {
		return errors.New("chunking.interval_ms must be >= 0")
	}
	if cfg.Chunking.OverlapMS < 0 {
		return errors.New("chunking.overlap_ms must be >= 0")
	}
	if cfg.Chunking.IntervalMS > 0 && cfg.Chunking.OverlapMS >= cfg.Chunking.IntervalMS {
		return errors.New("chunking.overlap_ms must be smaller than interval_ms")
	}
	if cfg.Chunking.SafetyMargin < 0 || cfg.Chunking.SafetyMargin > 2 {
		return errors.New("chunking.safety_margin must be between 0 and 2")
	}
	if cfg.Chunking.IntervalMS == 0 && cfg.Chunking.BenchmarkRuns <= 0 {
		return errors.New("chunking.benchmark_runs must be >= 1 when interval_ms=0")
	}
	if cfg.Chunking.MinIntervalMS <= cfg.Chunking.OverlapMS || cfg.Chunking.MaxIntervalMS < cfg.Chunking.MinIntervalMS {
		return errors.New("chunking interval bounds must satisfy overlap_ms < min_interval_ms <= max_interval_ms")
	}
	switch cfg.Aggregator.Mode {
	case "strict", "streaming":
	default:
		return errors.New("aggregator.mode must be one of strict|streaming")
	}
	// A recording may take a primary attempt, one retry and a CPU attempt.
	if cfg.Aggregator.GapTimeoutMS < 3*cfg.Engine.TranscribeTimeoutMS {
		return errors.New("aggregator.gap_timeout_ms must be >= 3 x engine.transcribe_timeout_ms")
	}
	if cfg.Aggregator.WaitTimeoutMS <= 0 {
		return errors.New("aggregator.wait_timeout_ms must be positive")
	}
	return nil
}

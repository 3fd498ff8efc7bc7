package protocol

import "time"

// AudioFrame carries PCM16 audio streamed from a capture client.
type AudioFrame struct {
	SessionID  string `json:"session_id"`
	Sequence   int    `json:"sequence"`
	SampleRate int    `json:"sample_rate"`
	Channels   int    `json:"channels"`
	PCM        []byte `json:"pcm"`
	Final      bool   `json:"final"`
}

type TriggerType string

const (
	// TriggerStart and TriggerStop bracket a push-to-talk recording.
	TriggerStart TriggerType = "start"
	TriggerStop  TriggerType = "stop"
	// TriggerCancel abandons an open push-to-talk recording.
	TriggerCancel TriggerType = "cancel"
	// TriggerSegment reports a speech segment found by an external voice
	// activity detector. StartMS and EndMS are stream offsets.
	TriggerSegment TriggerType = "segment"
)

// TriggerEvent drives the segment extractor.
type TriggerEvent struct {
	Type      TriggerType `json:"type"`
	Source    string      `json:"source,omitempty"`
	StartMS   int64       `json:"start_ms,omitempty"`
	EndMS     int64       `json:"end_ms,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// TriggerAck answers a trigger sent as a request. SequenceID is set when the
// trigger produced an accepted recording.
type TriggerAck struct {
	SequenceID uint64 `json:"sequence_id,omitempty"`
	Error      string `json:"error,omitempty"`
}

// Transcript is one ordered output of the pipeline.
type Transcript struct {
	SessionID  string    `json:"session_id,omitempty"`
	SequenceID uint64    `json:"sequence_id"`
	ChunkIndex int       `json:"chunk_index"`
	ChunkTotal int       `json:"chunk_total"`
	Text       string    `json:"text"`
	Partial    bool      `json:"partial"`
	Status     string    `json:"status"`
	Error      string    `json:"error,omitempty"`
	Device     string    `json:"device,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	CapturedAt time.Time `json:"captured_at"`
	Timestamp  time.Time `json:"timestamp"`
}

type ErrorKind string

const (
	ErrorAdmission  ErrorKind = "admission"
	ErrorDevice     ErrorKind = "device"
	ErrorIncomplete ErrorKind = "incomplete"
	ErrorFatal      ErrorKind = "fatal"
)

// ErrorEvent reports a failure the user should see.
type ErrorEvent struct {
	Kind       ErrorKind `json:"kind"`
	Message    string    `json:"message"`
	SequenceID uint64    `json:"sequence_id,omitempty"`
	Source     string    `json:"source,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// DeviceState mirrors one worker pool device.
type DeviceState struct {
	ID        string `json:"id"`
	Kind      string `json:"kind"`
	Fallback  bool   `json:"fallback"`
	Busy      bool   `json:"busy"`
	Suspect   bool   `json:"suspect"`
	Alive     bool   `json:"alive"`
	Failures  int    `json:"recent_failures"`
	Completed uint64 `json:"completed"`
	LastError string `json:"last_error,omitempty"`
}

// StatusSnapshot is the read-only view served on the bus and over HTTP.
type StatusSnapshot struct {
	Node            string        `json:"node"`
	Version         string        `json:"version,omitempty"`
	Running         bool          `json:"running"`
	Mode            string        `json:"trigger_mode"`
	QueueDepth      int           `json:"queue_depth"`
	QueueAccepted   uint64        `json:"queue_accepted"`
	QueueRejected   uint64        `json:"queue_rejected"`
	LastSequenceID  uint64        `json:"last_sequence_id"`
	DispatchQueue   int           `json:"dispatch_queue"`
	InFlight        int           `json:"in_flight"`
	Devices         []DeviceState `json:"devices"`
	ReleaseMode     string        `json:"release_mode"`
	ReorderBuffered int           `json:"reorder_buffered"`
	NextExpected    uint64        `json:"next_expected"`
	Released        uint64        `json:"released"`
	Skipped         uint64        `json:"skipped"`
	ChunkIntervalMS int64         `json:"chunk_interval_ms"`
	LastError       string        `json:"last_error,omitempty"`
	LastErrorAt     time.Time     `json:"last_error_at,omitempty"`
	Timestamp       time.Time     `json:"timestamp"`
}

// ReloadRequest asks the daemon to reload the model on a terminated device.
type ReloadRequest struct {
	DeviceID string `json:"device_id"`
}

// ReloadReply answers a ReloadRequest.
type ReloadReply struct {
	Error string `json:"error,omitempty"`
}

// Heartbeats are published on SubjectStatus.<node>. SubjectStatusRequest and
// SubjectReloadRequest are request/reply.
const (
	SubjectAudioFramePrefix  = "audio.frame"
	SubjectTriggerPrefix     = "scribe.trigger"
	SubjectTranscriptPartial = "stt.text.partial"
	SubjectTranscriptFinal   = "stt.text.final"
	SubjectError             = "scribe.error"
	SubjectStatus            = "scribe.status"
	SubjectStatusRequest     = "scribe.ctl.status"
	SubjectReloadRequest     = "scribe.ctl.reload"
)

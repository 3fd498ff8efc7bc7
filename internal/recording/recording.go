// Package recording defines the capture unit and transcription result that
// flow between the queue, the worker pool and the aggregator.
package recording

import "time"

// Recording is a single capture unit. Samples are mono float32 at SampleRate.
//
// ChunkIndex and ChunkTotal are set by the chunker. ChunkTotal is -1 on every
// chunk except the last, which carries the final count. An unchunked
// recording has ChunkIndex 0 and ChunkTotal 1.
type Recording struct {
	SequenceID uint64
	Samples    []float32
	SampleRate int
	CapturedAt time.Time
	ChunkIndex int
	ChunkTotal int
	// Source names the trigger that produced the recording, such as a
	// session id. It may be empty.
	Source string
}

// Duration returns the audio length.
func (r Recording) Duration() time.Duration {
	if r.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(r.Samples)) * time.Second / time.Duration(r.SampleRate)
}

// Final reports whether this is the last chunk of its recording.
func (r Recording) Final() bool {
	return r.ChunkTotal > 0
}

// Status describes how a result came to be.
type Status string

const (
	StatusOK         Status = "ok"
	StatusFailed     Status = "failed"
	StatusIncomplete Status = "incomplete"
	StatusCancelled  Status = "cancelled"
)

// Result carries transcription output for one recording or one chunk. It
// never holds audio.
type Result struct {
	SequenceID  uint64
	ChunkIndex  int
	ChunkTotal  int
	Text        string
	Confidence  float64
	ProducedBy  string
	CapturedAt  time.Time
	CompletedAt time.Time
	Status      Status
	Err         error
	Source      string

	// Partial is set by the aggregator on chunk-level releases in streaming
	// mode. The recording's stitched text follows as a non-partial result.
	Partial bool
}

// OK reports whether the result carries a usable transcription.
func (r Result) OK() bool {
	return r.Status == StatusOK
}

// Final reports whether this is the last chunk of its recording.
func (r Result) Final() bool {
	return r.ChunkTotal > 0
}

// Package chunker splits long recordings into overlapping sub-recordings so
// each piece can be transcribed while the rest of the recording is still in
// flight.
package chunker

import (
	"math"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/recording"
)

// BenchmarkDuration is the length of the silent clip used to auto-tune the
// chunk interval.
const BenchmarkDuration = 2 * time.Second

// Chunker applies a fixed interval and overlap. A zero interval disables
// splitting.
type Chunker struct {
	interval time.Duration
	overlap  time.Duration
}

func New(interval, overlap time.Duration) *Chunker {
	if overlap < 0 {
		overlap = 0
	}
	if interval > 0 && overlap >= interval {
		overlap = interval / 2
	}
	return &Chunker{interval: interval, overlap: overlap}
}

func (c *Chunker) Interval() time.Duration { return c.interval }

func (c *Chunker) Overlap() time.Duration { return c.overlap }

// Plan returns the pieces to submit for rec. Recordings that fit in one
// interval come back unchanged.
func (c *Chunker) Plan(rec recording.Recording) []recording.Recording {
	if c == nil || c.interval <= 0 {
		rec.ChunkIndex, rec.ChunkTotal = 0, 1
		return []recording.Recording{rec}
	}
	return Split(rec, c.interval, c.overlap)
}

// Split cuts rec into chunks that start every interval and extend overlap
// past the next boundary. Every chunk keeps the parent sequence id. ChunkTotal
// is -1 on all chunks but the last, which carries the count. Chunk samples are
// copies, so chunks can be preprocessed independently.
func Split(rec recording.Recording, interval, overlap time.Duration) []recording.Recording {
	n := len(rec.Samples)
	step := samplesFor(interval, rec.SampleRate)
	pad := samplesFor(overlap, rec.SampleRate)
	if step <= 0 || n <= step+pad {
		rec.ChunkIndex, rec.ChunkTotal = 0, 1
		return []recording.Recording{rec}
	}

	var chunks []recording.Recording
	for start := 0; ; start += step {
		end := start + step + pad
		last := end >= n
		if last {
			end = n
		}
		samples := make([]float32, end-start)
		copy(samples, rec.Samples[start:end])
		chunks = append(chunks, recording.Recording{
			SequenceID: rec.SequenceID,
			Samples:    samples,
			SampleRate: rec.SampleRate,
			CapturedAt: rec.CapturedAt,
			ChunkIndex: len(chunks),
			ChunkTotal: -1,
			Source:     rec.Source,
		})
		if last {
			break
		}
	}
	chunks[len(chunks)-1].ChunkTotal = len(chunks)
	return chunks
}

// AutoInterval derives the chunk interval from the measured time to
// transcribe the benchmark clip: interval = overhead * (1 + margin), clamped
// to [floor, ceiling].
func AutoInterval(overhead time.Duration, margin float64, floor, ceiling time.Duration) time.Duration {
	interval := time.Duration(math.Round(float64(overhead) * (1 + margin)))
	if interval < floor {
		interval = floor
	}
	if ceiling > 0 && interval > ceiling {
		interval = ceiling
	}
	return interval
}

// BenchmarkAudio returns the silent calibration clip.
func BenchmarkAudio(sampleRate int) []float32 {
	return make([]float32, samplesFor(BenchmarkDuration, sampleRate))
}

// FromConfig builds a chunker for a fixed interval. Auto mode needs a
// measured overhead; see AutoInterval.
func FromConfig(cfg config.ChunkingConfig) *Chunker {
	if !cfg.Enabled {
		return New(0, 0)
	}
	return New(time.Duration(cfg.IntervalMS)*time.Millisecond, time.Duration(cfg.OverlapMS)*time.Millisecond)
}

func samplesFor(d time.Duration, sampleRate int) int {
	return int(int64(d) * int64(sampleRate) / int64(time.Second))
}

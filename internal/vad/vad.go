// Package vad finds speech segments in a continuous sample stream.
package vad

import (
	"math"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// Detector scores one frame with a speech probability in [0, 1].
type Detector interface {
	Probability(frame []float32) float64
}

// EnergyDetector maps frame RMS level linearly from FloorDB (0) to
// FloorDB+RangeDB (1).
type EnergyDetector struct {
	FloorDB float64
	RangeDB float64
}

func NewEnergyDetector() EnergyDetector {
	return EnergyDetector{FloorDB: -50, RangeDB: 30}
}

func (d EnergyDetector) Probability(frame []float32) float64 {
	if len(frame) == 0 || d.RangeDB <= 0 {
		return 0
	}
	var sum float64
	for _, s := range frame {
		sum += float64(s) * float64(s)
	}
	rms := math.Sqrt(sum / float64(len(frame)))
	if rms <= 1e-10 {
		return 0
	}
	p := (20*math.Log10(rms) - d.FloorDB) / d.RangeDB
	return math.Max(0, math.Min(1, p))
}

// Segment is a detected speech span in absolute sample positions. End is
// exclusive.
type Segment struct {
	Start          int64
	End            int64
	AvgProbability float64
}

// Segmenter turns per-frame probabilities into speech segments. A segment
// closes once silence lasts MinSilenceMS, and is kept only if the speech
// lasted MinSpeechMS. Both edges are widened by SpeechPadMS.
type Segmenter struct {
	det        Detector
	threshold  float64
	frame      int
	minSilence int64
	minSpeech  int64
	pad        int64

	pending    []float32
	pendingPos int64
	nextPos    int64
	started    bool

	inSpeech     bool
	speechStart  int64
	silenceStart int64
	silence      int64
	probSum      float64
	probN        int
}

func NewSegmenter(cfg config.VADConfig, rate int, det Detector) *Segmenter {
	perMS := func(ms int) int64 { return int64(ms) * int64(rate) / 1000 }
	frame := int(perMS(cfg.FrameMS))
	if frame <= 0 {
		frame = 1
	}
	return &Segmenter{
		det:        det,
		threshold:  cfg.Threshold,
		frame:      frame,
		minSilence: perMS(cfg.MinSilenceMS),
		minSpeech:  perMS(cfg.MinSpeechMS),
		pad:        perMS(cfg.SpeechPadMS),
	}
}

// Push feeds samples whose first element sits at absolute position pos and
// returns any segments that closed. A discontinuity in positions resets the
// detector state.
func (s *Segmenter) Push(pos int64, samples []float32) []Segment {
	if s.started && pos != s.nextPos {
		s.Reset()
	}
	if !s.started || len(s.pending) == 0 {
		s.pendingPos = pos - int64(len(s.pending))
	}
	s.started = true
	s.nextPos = pos + int64(len(samples))
	s.pending = append(s.pending, samples...)

	var out []Segment
	for len(s.pending) >= s.frame {
		frame := s.pending[:s.frame]
		if seg, ok := s.update(s.pendingPos, frame); ok {
			out = append(out, seg)
		}
		s.pending = s.pending[s.frame:]
		s.pendingPos += int64(s.frame)
	}
	if len(s.pending) == 0 {
		s.pending = nil
	}
	return out
}

func (s *Segmenter) update(pos int64, frame []float32) (Segment, bool) {
	p := s.det.Probability(frame)
	n := int64(len(frame))
	if p >= s.threshold {
		s.silence = 0
		if !s.inSpeech {
			s.inSpeech = true
			s.speechStart = pos
			s.probSum, s.probN = 0, 0
		}
		s.probSum += p
		s.probN++
		return Segment{}, false
	}
	if !s.inSpeech {
		return Segment{}, false
	}
	if s.silence == 0 {
		s.silenceStart = pos
	}
	s.silence += n
	if s.silence < s.minSilence {
		return Segment{}, false
	}
	return s.close()
}

func (s *Segmenter) close() (Segment, bool) {
	s.inSpeech = false
	s.silence = 0
	start, end := s.speechStart, s.silenceStart
	if end-start < s.minSpeech {
		return Segment{}, false
	}
	seg := Segment{Start: start - s.pad, End: end + s.pad}
	if seg.Start < 0 {
		seg.Start = 0
	}
	if s.probN > 0 {
		seg.AvgProbability = s.probSum / float64(s.probN)
	}
	return seg, true
}

// Flush closes an open segment at the current position.
func (s *Segmenter) Flush() (Segment, bool) {
	if !s.inSpeech {
		return Segment{}, false
	}
	if s.silence == 0 {
		s.silenceStart = s.pendingPos
	}
	return s.close()
}

// InSpeech reports whether a segment is open.
func (s *Segmenter) InSpeech() bool { return s.inSpeech }

func (s *Segmenter) Reset() {
	s.pending = nil
	s.started = false
	s.inSpeech = false
	s.silence = 0
	s.probSum, s.probN = 0, 0
}

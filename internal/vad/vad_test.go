package vad

import (
	"testing"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

func testConfig() config.VADConfig {
	return config.VADConfig{
		Threshold:    0.5,
		MinSilenceMS: 100,
		MinSpeechMS:  50,
		SpeechPadMS:  0,
		FrameMS:      10,
	}
}

func constant(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func TestEnergyDetector(t *testing.T) {
	d := NewEnergyDetector()
	if p := d.Probability(constant(100, 0)); p != 0 {
		t.Fatalf("expected 0 for silence, got %v", p)
	}
	if p := d.Probability(constant(100, 0.5)); p != 1 {
		t.Fatalf("expected 1 for loud frame, got %v", p)
	}
	if p := d.Probability(constant(100, 0.001)); p >= 0.5 {
		t.Fatalf("expected low probability for quiet frame, got %v", p)
	}
}

func TestSegmenterEmitsSegment(t *testing.T) {
	s := NewSegmenter(testConfig(), 1000, NewEnergyDetector())
	var segs []Segment
	pos := int64(0)
	for _, chunk := range [][]float32{constant(200, 0), constant(300, 0.5), constant(200, 0)} {
		segs = append(segs, s.Push(pos, chunk)...)
		pos += int64(len(chunk))
	}
	if len(segs) != 1 {
		t.Fatalf("expected one segment, got %v", segs)
	}
	if segs[0].Start != 200 || segs[0].End != 500 {
		t.Fatalf("unexpected bounds: %+v", segs[0])
	}
	if segs[0].AvgProbability != 1 {
		t.Fatalf("unexpected avg probability: %v", segs[0].AvgProbability)
	}
}

func TestSegmenterDropsShortBursts(t *testing.T) {
	s := NewSegmenter(testConfig(), 1000, NewEnergyDetector())
	var segs []Segment
	segs = append(segs, s.Push(0, constant(30, 0.5))...)
	segs = append(segs, s.Push(30, constant(200, 0))...)
	if len(segs) != 0 {
		t.Fatalf("expected burst to be dropped, got %v", segs)
	}
}

func TestSegmenterPadsAndFlushes(t *testing.T) {
	cfg := testConfig()
	cfg.SpeechPadMS = 20
	s := NewSegmenter(cfg, 1000, NewEnergyDetector())
	s.Push(0, constant(100, 0))
	s.Push(100, constant(100, 0.5))
	if !s.InSpeech() {
		t.Fatal("expected open segment")
	}
	seg, ok := s.Flush()
	if !ok {
		t.Fatal("expected flush to close segment")
	}
	if seg.Start != 80 || seg.End != 220 {
		t.Fatalf("unexpected padded bounds: %+v", seg)
	}
}

func TestSegmenterResetsOnDiscontinuity(t *testing.T) {
	s := NewSegmenter(testConfig(), 1000, NewEnergyDetector())
	s.Push(0, constant(100, 0.5))
	if !s.InSpeech() {
		t.Fatal("expected speech")
	}
	s.Push(5000, constant(10, 0))
	if s.InSpeech() {
		t.Fatal("expected reset after position gap")
	}
}

package audio

import (
	"bytes"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

func ramp(start, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(start + i)
	}
	return out
}

func TestRingCapacityPowerOfTwo(t *testing.T) {
	r := NewRing(1000, 3)
	if r.Capacity() != 4096 {
		t.Fatalf("expected capacity 4096, got %d", r.Capacity())
	}
}

func TestRingReadRangeAndWrap(t *testing.T) {
	r := NewRing(4, 2) // capacity 8
	r.Write(ramp(0, 6))
	r.Write(ramp(6, 6)) // wraps, oldest retained is 4
	if r.Position() != 12 {
		t.Fatalf("expected position 12, got %d", r.Position())
	}
	got := r.ReadRange(0, 12)
	if len(got) != 8 || got[0] != 4 || got[7] != 11 {
		t.Fatalf("unexpected clamped read: %v", got)
	}
	got = r.ReadRange(9, 11)
	if len(got) != 2 || got[0] != 9 || got[1] != 10 {
		t.Fatalf("unexpected range read: %v", got)
	}
	if r.ReadRange(11, 9) != nil {
		t.Fatal("expected nil for inverted range")
	}
}

func TestRingOversizedWriteKeepsTail(t *testing.T) {
	r := NewRing(4, 2)
	r.Write(ramp(0, 20))
	got := r.ReadLast(2 * time.Second)
	if len(got) != 8 || got[0] != 12 || got[7] != 19 {
		t.Fatalf("unexpected tail: %v", got)
	}
}

func TestRingReadSince(t *testing.T) {
	r := NewRing(100, 10)
	now := time.Date(2025, 1, 1, 0, 0, 10, 0, time.UTC)
	r.clock = func() time.Time { return now }
	r.Write(ramp(0, 500)) // 5 seconds, last sample at "now"
	got := r.ReadSince(now.Add(-2 * time.Second))
	if len(got) != 200 || got[0] != 300 {
		t.Fatalf("expected last 2s starting at 300, got len=%d first=%v", len(got), got[0])
	}
}

func TestValidate(t *testing.T) {
	rate := 16000
	if _, err := Validate(nil, rate, 0, 0); !errors.Is(err, ErrEmpty) {
		t.Fatalf("expected ErrEmpty, got %v", err)
	}
	if _, err := Validate(make([]float32, 100), rate, 100*time.Millisecond, 0); !errors.Is(err, ErrTooShort) {
		t.Fatalf("expected ErrTooShort, got %v", err)
	}
	if _, err := Validate(make([]float32, rate*2), rate, 0, time.Second); !errors.Is(err, ErrTooLong) {
		t.Fatalf("expected ErrTooLong, got %v", err)
	}
	bad := make([]float32, rate)
	bad[10] = float32(math.NaN())
	bad[20] = float32(math.Inf(1))
	if _, err := Validate(bad, rate, 0, 0); !errors.Is(err, ErrNonFinite) {
		t.Fatalf("expected ErrNonFinite, got %v", err)
	}
	good := make([]float32, rate)
	for i := range good {
		good[i] = 0.5
	}
	stats, err := Validate(good, rate, 100*time.Millisecond, time.Minute)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Duration != time.Second || math.Abs(stats.RMS-0.5) > 1e-6 || stats.Peak != 0.5 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func sine(n int, amp float64) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(amp * math.Sin(2*math.Pi*440*float64(i)/16000))
	}
	return out
}

func TestNormalizeRMS(t *testing.T) {
	s := sine(16000, 0.01)
	NormalizeRMS(s, -18)
	got := linearToDB(RMS(s))
	if math.Abs(got-(-18)) > 0.1 {
		t.Fatalf("expected -18 dB, got %.2f", got)
	}

	silent := make([]float32, 100)
	NormalizeRMS(silent, -18)
	for _, v := range silent {
		if v != 0 {
			t.Fatal("silence must not be amplified")
		}
	}
}

func TestLimiterRespectsCeiling(t *testing.T) {
	s := sine(16000, 1.5)
	Limit(s, 16000, -1, 50)
	ceiling := dbToLinear(-1)
	for i, v := range s {
		if math.Abs(float64(v)) > ceiling+1e-6 {
			t.Fatalf("sample %d exceeds ceiling: %v", i, v)
		}
	}
}

func TestCompressorReducesLoudPeaks(t *testing.T) {
	s := sine(16000, 0.9)
	before := RMS(s)
	Compress(s, 16000, -24, 4, 5, 50, 0)
	if RMS(s) >= before {
		t.Fatalf("expected compression to reduce level: before=%.3f after=%.3f", before, RMS(s))
	}
}

func TestPreprocessorChain(t *testing.T) {
	cfg := config.Default().Audio
	p := NewPreprocessor(cfg)
	s := sine(16000, 0.05)
	out := p.Process(s)
	if len(out) != 16000 {
		t.Fatalf("length changed: %d", len(out))
	}
	ceiling := dbToLinear(cfg.Limiter.CeilingDB)
	for _, v := range out {
		if math.Abs(float64(v)) > ceiling+1e-6 {
			t.Fatalf("chain output exceeds limiter ceiling: %v", v)
		}
	}

	cfg.Normalize = false
	cfg.Compressor.Enabled = false
	cfg.Limiter.Enabled = false
	if NewPreprocessor(cfg).Enabled() {
		t.Fatal("expected disabled preprocessor")
	}
}

func TestPCMConversions(t *testing.T) {
	in := []float32{0, 0.5, -0.5, 1}
	pcm := Float32ToPCM16(in)
	out, err := PCM16ToFloat32(pcm, 1)
	if err != nil {
		t.Fatalf("convert: %v", err)
	}
	for i := range in {
		if math.Abs(float64(in[i]-out[i])) > 1e-3 {
			t.Fatalf("sample %d: want %v got %v", i, in[i], out[i])
		}
	}
	if _, err := PCM16ToFloat32([]byte{1}, 1); err == nil {
		t.Fatal("expected alignment error")
	}
}

func TestWAVEncodeDecode(t *testing.T) {
	in := sine(1600, 0.25)
	var mem MemoryFile
	if err := EncodeWAV(&mem, in, 16000); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !bytes.HasPrefix(mem.Bytes(), []byte("RIFF")) {
		t.Fatal("expected RIFF header")
	}
	out, rate, err := DecodeWAV(bytes.NewReader(mem.Bytes()))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rate != 16000 || len(out) != len(in) {
		t.Fatalf("unexpected decode: rate=%d len=%d", rate, len(out))
	}
	mem.Reset()
	if len(mem.Bytes()) != 0 {
		t.Fatal("expected reset to clear contents")
	}
}

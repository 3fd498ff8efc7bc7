package audio

import (
	"math"

	"github.com/loqalabs/loqa-scribe/internal/config"
)

// maxNormalizeGain caps normalisation so near-silence is not amplified into
// noise.
const maxNormalizeGain = 20.0

// Preprocessor applies normalisation, compression and limiting in place.
// It keeps no state between calls.
type Preprocessor struct {
	cfg  config.AudioConfig
	rate int
}

func NewPreprocessor(cfg config.AudioConfig) *Preprocessor {
	return &Preprocessor{cfg: cfg, rate: cfg.SampleRate}
}

// Enabled reports whether any stage is active.
func (p *Preprocessor) Enabled() bool {
	return p != nil && (p.cfg.Normalize || p.cfg.Compressor.Enabled || p.cfg.Limiter.Enabled)
}

// Process runs the configured chain over samples and returns them.
func (p *Preprocessor) Process(samples []float32) []float32 {
	if !p.Enabled() || len(samples) == 0 {
		return samples
	}
	if p.cfg.Normalize {
		NormalizeRMS(samples, p.cfg.TargetRMSDB)
	}
	if c := p.cfg.Compressor; c.Enabled {
		Compress(samples, p.rate, c.ThresholdDB, c.Ratio, c.AttackMS, c.ReleaseMS, c.MakeupDB)
	}
	if l := p.cfg.Limiter; l.Enabled {
		Limit(samples, p.rate, l.CeilingDB, l.ReleaseMS)
	}
	return samples
}

// NormalizeRMS scales samples so their RMS level matches targetDB.
func NormalizeRMS(samples []float32, targetDB float64) {
	rms := RMS(samples)
	if rms < 1e-6 {
		return
	}
	gain := dbToLinear(targetDB) / rms
	if gain > maxNormalizeGain {
		gain = maxNormalizeGain
	}
	for i := range samples {
		samples[i] = float32(float64(samples[i]) * gain)
	}
}

// Compress applies a feed-forward compressor with a peak envelope follower.
func Compress(samples []float32, rate int, thresholdDB, ratio, attackMS, releaseMS, makeupDB float64) {
	if ratio < 1 {
		ratio = 1
	}
	attack := smoothing(attackMS, rate)
	release := smoothing(releaseMS, rate)
	makeup := dbToLinear(makeupDB)

	var env float64
	for i, s := range samples {
		level := math.Abs(float64(s))
		if level > env {
			env = attack*env + (1-attack)*level
		} else {
			env = release*env + (1-release)*level
		}
		gain := 1.0
		if envDB := linearToDB(env); envDB > thresholdDB {
			over := envDB - thresholdDB
			gain = dbToLinear(-(over - over/ratio))
		}
		samples[i] = float32(float64(s) * gain * makeup)
	}
}

// Limit keeps every sample at or below ceilingDB. Gain drops instantly and
// recovers over releaseMS.
func Limit(samples []float32, rate int, ceilingDB, releaseMS float64) {
	ceiling := dbToLinear(ceilingDB)
	release := smoothing(releaseMS, rate)
	gain := 1.0
	for i, s := range samples {
		level := math.Abs(float64(s))
		target := 1.0
		if level*gain > ceiling {
			target = ceiling / level
		}
		if target < gain {
			gain = target
		} else {
			gain = release*gain + (1-release)*target
		}
		v := float64(s) * gain
		if v > ceiling {
			v = ceiling
		} else if v < -ceiling {
			v = -ceiling
		}
		samples[i] = float32(v)
	}
}

func smoothing(ms float64, rate int) float64 {
	if ms <= 0 || rate <= 0 {
		return 0
	}
	return math.Exp(-1 / (ms / 1000 * float64(rate)))
}

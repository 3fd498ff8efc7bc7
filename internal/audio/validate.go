// Package audio holds the capture ring buffer and the pure sample transforms
// applied before transcription.
package audio

import (
	"errors"
	"fmt"
	"math"
	"time"
)

var (
	ErrEmpty     = errors.New("audio is empty")
	ErrTooShort  = errors.New("audio is too short")
	ErrTooLong   = errors.New("audio is too long")
	ErrNonFinite = errors.New("audio contains NaN or Inf samples")
)

// Stats summarises a validated buffer.
type Stats struct {
	Duration time.Duration
	RMS      float64
	Peak     float64
}

// Validate checks that samples are usable for transcription. A zero max
// disables the upper bound.
func Validate(samples []float32, rate int, min, max time.Duration) (Stats, error) {
	if len(samples) == 0 {
		return Stats{}, ErrEmpty
	}
	if rate <= 0 {
		return Stats{}, fmt.Errorf("invalid sample rate %d", rate)
	}
	stats := Stats{Duration: time.Duration(len(samples)) * time.Second / time.Duration(rate)}
	if stats.Duration < min {
		return stats, fmt.Errorf("%w: %s < %s", ErrTooShort, stats.Duration, min)
	}
	if max > 0 && stats.Duration > max {
		return stats, fmt.Errorf("%w: %s > %s", ErrTooLong, stats.Duration, max)
	}

	var nan, inf int
	var sum float64
	for _, s := range samples {
		v := float64(s)
		switch {
		case math.IsNaN(v):
			nan++
			continue
		case math.IsInf(v, 0):
			inf++
			continue
		}
		sum += v * v
		if a := math.Abs(v); a > stats.Peak {
			stats.Peak = a
		}
	}
	if nan > 0 || inf > 0 {
		return stats, fmt.Errorf("%w: nan=%d inf=%d", ErrNonFinite, nan, inf)
	}
	stats.RMS = math.Sqrt(sum / float64(len(samples)))
	return stats, nil
}

// RMS returns the root mean square of samples.
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		sum += float64(s) * float64(s)
	}
	return math.Sqrt(sum / float64(len(samples)))
}

func dbToLinear(db float64) float64 {
	return math.Pow(10, db/20)
}

func linearToDB(v float64) float64 {
	if v <= 1e-10 {
		return -200
	}
	return 20 * math.Log10(v)
}

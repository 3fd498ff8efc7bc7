package audio

import (
	"sync"
	"time"
)

// Ring is a fixed-capacity buffer of mono float32 samples. Every written
// sample has an absolute position that only grows; readers address audio by
// position, by duration from the head, or by wall-clock time.
type Ring struct {
	mu        sync.RWMutex
	buf       []float32
	mask      int64
	written   int64
	rate      int
	lastWrite time.Time
	clock     func() time.Time
}

// NewRing allocates a ring holding at least seconds of audio at rate. The
// capacity is rounded up to a power of two.
func NewRing(rate, seconds int) *Ring {
	size := int64(1)
	for size < int64(rate)*int64(seconds) {
		size <<= 1
	}
	return &Ring{
		buf:   make([]float32, size),
		mask:  size - 1,
		rate:  rate,
		clock: time.Now,
	}
}

func (r *Ring) SampleRate() int { return r.rate }

// Capacity returns the number of samples retained.
func (r *Ring) Capacity() int64 { return int64(len(r.buf)) }

// Write appends samples, overwriting the oldest audio once full.
func (r *Ring) Write(samples []float32) {
	if len(samples) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	// only the tail can survive a write larger than the buffer
	if int64(len(samples)) > int64(len(r.buf)) {
		skip := int64(len(samples)) - int64(len(r.buf))
		r.written += skip
		samples = samples[skip:]
	}
	start := r.written & r.mask
	n := copy(r.buf[start:], samples)
	if n < len(samples) {
		copy(r.buf, samples[n:])
	}
	r.written += int64(len(samples))
	r.lastWrite = r.clock()
}

// Position returns the absolute position one past the newest sample.
func (r *Ring) Position() int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.written
}

// PositionAt maps a wall-clock time onto an absolute position using the time
// of the most recent write as the anchor.
func (r *Ring) PositionAt(t time.Time) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.positionAtLocked(t)
}

func (r *Ring) positionAtLocked(t time.Time) int64 {
	if r.lastWrite.IsZero() {
		return r.written
	}
	back := r.lastWrite.Sub(t)
	return r.written - int64(back.Seconds()*float64(r.rate))
}

// ReadRange copies samples in [from, to). Bounds are clamped to what the ring
// still holds.
func (r *Ring) ReadRange(from, to int64) []float32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.readLocked(from, to)
}

func (r *Ring) readLocked(from, to int64) []float32 {
	oldest := r.written - int64(len(r.buf))
	if oldest < 0 {
		oldest = 0
	}
	if from < oldest {
		from = oldest
	}
	if to > r.written {
		to = r.written
	}
	if to <= from {
		return nil
	}
	out := make([]float32, to-from)
	start := from & r.mask
	n := copy(out, r.buf[start:])
	if n < len(out) {
		copy(out[n:], r.buf)
	}
	return out
}

// ReadLast returns the newest d of audio.
func (r *Ring) ReadLast(d time.Duration) []float32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := int64(d.Seconds() * float64(r.rate))
	return r.readLocked(r.written-n, r.written)
}

// ReadSince returns audio captured at or after t.
func (r *Ring) ReadSince(t time.Time) []float32 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.readLocked(r.positionAtLocked(t), r.written)
}

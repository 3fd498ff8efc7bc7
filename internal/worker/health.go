package worker

import "time"

// health tracks recent failures for one device. A device becomes suspect
// once maxFailures failures fall inside window, and recovers after a success
// or once the window passes without a new failure. Suspect devices are only
// deprioritised, never disabled.
//
// Only the dispatcher goroutine touches a health value.
type health struct {
	maxFailures int
	window      time.Duration
	failures    []time.Time
	suspect     bool
}

func newHealth(maxFailures int, window time.Duration) *health {
	if maxFailures <= 0 {
		maxFailures = 2
	}
	if window <= 0 {
		window = time.Minute
	}
	return &health{maxFailures: maxFailures, window: window}
}

// recordFailure notes a failure and reports whether this call moved the
// device into the suspect state.
func (h *health) recordFailure(now time.Time) bool {
	h.prune(now)
	h.failures = append(h.failures, now)
	if !h.suspect && len(h.failures) >= h.maxFailures {
		h.suspect = true
		return true
	}
	return false
}

func (h *health) recordSuccess() {
	h.failures = h.failures[:0]
	h.suspect = false
}

func (h *health) isSuspect(now time.Time) bool {
	if !h.suspect {
		return false
	}
	h.prune(now)
	if len(h.failures) == 0 {
		h.suspect = false
	}
	return h.suspect
}

func (h *health) count(now time.Time) int {
	h.prune(now)
	return len(h.failures)
}

func (h *health) reset() {
	h.failures = nil
	h.suspect = false
}

func (h *health) prune(now time.Time) {
	cutoff := now.Add(-h.window)
	i := 0
	for i < len(h.failures) && !h.failures[i].After(cutoff) {
		i++
	}
	if i > 0 {
		h.failures = append(h.failures[:0], h.failures[i:]...)
	}
}

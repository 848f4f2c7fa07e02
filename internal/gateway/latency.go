package gateway

import (
	"math"
	"slices"
	"sync"
	"time"
)

// LatencyWindow keeps the most recent state-change to WS-emit delays and
// reports their percentiles.
type LatencyWindow struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
}

// NewLatencyWindow creates a window over the last size samples.
func NewLatencyWindow(size int) *LatencyWindow {
	if size <= 0 {
		size = 10000
	}
	return &LatencyWindow{samples: make([]time.Duration, 0, size)}
}

// Observe records one delay. Negative delays (clock skew) are ignored.
func (w *LatencyWindow) Observe(d time.Duration) {
	if d < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.full {
		w.samples = append(w.samples, d)
		w.full = len(w.samples) == cap(w.samples)
		return
	}
	w.samples[w.next] = d
	w.next = (w.next + 1) % len(w.samples)
}

// Len returns the number of samples held.
func (w *LatencyWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.samples)
}

// Percentiles returns p50, p95 and p99 in milliseconds, or zeros when empty.
func (w *LatencyWindow) Percentiles() (p50, p95, p99 float64) {
	w.mu.Lock()
	sorted := slices.Clone(w.samples)
	w.mu.Unlock()
	if len(sorted) == 0 {
		return 0, 0, 0
	}
	slices.Sort(sorted)
	return quantileMs(sorted, 0.50), quantileMs(sorted, 0.95), quantileMs(sorted, 0.99)
}

// quantileMs interpolates linearly between the closest ranks.
func quantileMs(sorted []time.Duration, q float64) float64 {
	rank := q * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := min(lo+1, len(sorted)-1)
	frac := rank - float64(lo)
	v := float64(sorted[lo])*(1-frac) + float64(sorted[hi])*frac
	return v / float64(time.Millisecond)
}

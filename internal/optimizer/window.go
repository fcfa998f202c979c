package optimizer

import (
	"sort"
	"sync"
	"time"
)

// Window is a fixed-size ring buffer of the most recent response-time
// samples. The oldest sample is evicted on overflow.
type Window struct {
	mu      sync.Mutex
	samples []time.Duration
	next    int
	full    bool
}

// NewWindow creates a sample window holding up to size samples.
func NewWindow(size int) *Window {
	if size < 1 {
		size = 1
	}
	return &Window{samples: make([]time.Duration, size)}
}

// Record adds one sample, evicting the oldest when the window is full.
func (w *Window) Record(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.samples[w.next] = d
	w.next++
	if w.next == len(w.samples) {
		w.next = 0
		w.full = true
	}
}

// Len returns the number of recorded samples, capped at the window size.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lenLocked()
}

func (w *Window) lenLocked() int {
	if w.full {
		return len(w.samples)
	}
	return w.next
}

// Percentile returns the p-th percentile (0 < p <= 100) over the current
// samples, or zero when the window is empty.
func (w *Window) Percentile(p float64) time.Duration {
	w.mu.Lock()
	n := w.lenLocked()
	if n == 0 {
		w.mu.Unlock()
		return 0
	}
	sorted := make([]time.Duration, n)
	copy(sorted, w.samples[:n])
	w.mu.Unlock()

	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	idx := int(float64(n)*p/100+0.5) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return sorted[idx]
}

// P95 returns the 95th percentile response time.
func (w *Window) P95() time.Duration { return w.Percentile(95) }

// P99 returns the 99th percentile response time.
func (w *Window) P99() time.Duration { return w.Percentile(99) }

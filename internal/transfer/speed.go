package transfer

import (
	"sync"
	"time"
)

// speedMeter smooths bursty reads with a fixed ring of per-interval
// throughput samples. The window average reacts faster than a whole-session
// mean without jumping on every chunk.
type speedMeter struct {
	mu       sync.Mutex
	interval time.Duration
	samples  []int64
	idx      int
	filled   int
	acc      int64
	started  time.Time
}

func newSpeedMeter(window int, interval time.Duration) *speedMeter {
	if window < 2 {
		window = 2
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &speedMeter{
		interval: interval,
		samples:  make([]int64, window),
	}
}

// Add accumulates n bytes and reports whether a full interval elapsed and a
// new sample was committed; callers publish a progress record on sample
// boundaries rather than on every chunk.
func (m *speedMeter) Add(n int64, now time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started.IsZero() {
		m.started = now
	}
	m.acc += n
	if now.Sub(m.started) < m.interval {
		return false
	}
	m.samples[m.idx] = m.acc
	m.idx = (m.idx + 1) % len(m.samples)
	if m.filled < len(m.samples) {
		m.filled++
	}
	m.acc = 0
	m.started = now
	return true
}

// Speed returns the smoothed estimate in bytes per second.
func (m *speedMeter) Speed() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.filled == 0 {
		return 0
	}
	var sum int64
	for i := 0; i < m.filled; i++ {
		sum += m.samples[i]
	}
	perInterval := sum / int64(m.filled)
	return perInterval * int64(time.Second) / int64(m.interval)
}

// Reset clears all samples; used when a session resumes after a long pause
// so stale throughput does not skew the estimate.
func (m *speedMeter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.samples {
		m.samples[i] = 0
	}
	m.idx, m.filled, m.acc = 0, 0, 0
	m.started = time.Time{}
}

package vision

import (
	"sync"
	"time"
)

// fpsMeter computes frame throughput over a sliding window.
type fpsMeter struct {
	mu     sync.Mutex
	window time.Duration
	marks  []time.Time
}

func newFPSMeter(window time.Duration) *fpsMeter {
	return &fpsMeter{window: window}
}

func (f *fpsMeter) mark(now time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks = append(f.marks, now)
	f.trim(now)
}

// rate returns frames per second over the window ending at now.
func (f *fpsMeter) rate(now time.Time) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.trim(now)
	if len(f.marks) == 0 {
		return 0
	}
	return float64(len(f.marks)) / f.window.Seconds()
}

func (f *fpsMeter) trim(now time.Time) {
	cutoff := now.Add(-f.window)
	i := 0
	for i < len(f.marks) && f.marks[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		f.marks = append(f.marks[:0], f.marks[i:]...)
	}
}

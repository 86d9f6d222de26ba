package engine

import (
	"sync"
	"time"
)

type speedSample struct {
	count int64
	at    time.Time
}

// SpeedTracker estimates throughput over a short sliding window of
// (count, time) samples. Safe for concurrent use.
type SpeedTracker struct {
	mu         sync.Mutex
	window     time.Duration
	maxSamples int
	samples    []speedSample
}

func NewSpeedTracker(window time.Duration, maxSamples int) *SpeedTracker {
	if maxSamples < 2 {
		maxSamples = 2
	}
	return &SpeedTracker{window: window, maxSamples: maxSamples}
}

// Start drops history and sets the baseline for a new attempt.
func (s *SpeedTracker) Start(initial int64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples = append(s.samples[:0], speedSample{count: initial, at: now})
}

// Sample records the running byte count. Counts lower than the latest sample
// arrive from racing segment workers and are ignored.
func (s *SpeedTracker) Sample(count int64, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.samples); n > 0 && count < s.samples[n-1].count {
		return
	}
	s.samples = append(s.samples, speedSample{count: count, at: now})
	for len(s.samples) > 2 && (len(s.samples) > s.maxSamples || now.Sub(s.samples[0].at) > s.window) {
		s.samples = s.samples[1:]
	}
}

// Speed returns bytes per second across the window, 0 until two samples exist.
func (s *SpeedTracker) Speed() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.samples) < 2 {
		return 0
	}
	first, last := s.samples[0], s.samples[len(s.samples)-1]
	elapsed := last.at.Sub(first.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(last.count-first.count) / elapsed
}

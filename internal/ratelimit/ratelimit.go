// Package ratelimit throttles sensitive per-user commands.
package ratelimit

import (
	"sync"
	"time"
)

// SlidingWindow allows at most maxCalls per user in any trailing period.
// State is in memory only and starts empty on restart.
type SlidingWindow struct {
	maxCalls int
	period   time.Duration
	now      func() time.Time

	mu    sync.Mutex
	calls map[string][]time.Time
}

func New(maxCalls int, period time.Duration) *SlidingWindow {
	return NewWithClock(maxCalls, period, time.Now)
}

// NewWithClock is New with an injectable clock.
func NewWithClock(maxCalls int, period time.Duration, now func() time.Time) *SlidingWindow {
	return &SlidingWindow{
		maxCalls: maxCalls,
		period:   period,
		now:      now,
		calls:    make(map[string][]time.Time),
	}
}

// Allow records and permits the call iff fewer than maxCalls timestamps
// remain in the trailing period after evicting stale ones.
func (s *SlidingWindow) Allow(userID string) bool {
	now := s.now()
	cutoff := now.Add(-s.period)

	s.mu.Lock()
	defer s.mu.Unlock()

	window := s.calls[userID]
	i := 0
	for i < len(window) && !window[i].After(cutoff) {
		i++
	}
	window = window[i:]

	if len(window) >= s.maxCalls {
		s.calls[userID] = window
		return false
	}
	s.calls[userID] = append(window, now)
	return true
}

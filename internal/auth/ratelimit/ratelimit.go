// Package ratelimit provides a rolling-window counter used to flood-limit
// registration and demo access.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter allows at most max events per key within a rolling window. The
// zero key tracks the global rate.
type Limiter struct {
	mu     sync.Mutex
	max    int
	window time.Duration
	events map[string][]time.Time
	now    func() time.Time
}

// New builds a limiter allowing max events per window.
func New(max int, window time.Duration) *Limiter {
	return &Limiter{
		max:    max,
		window: window,
		events: make(map[string][]time.Time),
		now:    time.Now,
	}
}

// Allow records one event for key and reports whether it fit the window.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	cutoff := now.Add(-l.window)

	recent := l.events[key][:0]
	for _, at := range l.events[key] {
		if at.After(cutoff) {
			recent = append(recent, at)
		}
	}

	if len(recent) >= l.max {
		l.events[key] = recent
		return false
	}

	l.events[key] = append(recent, now)
	return true
}

// Reset clears all tracked events.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = make(map[string][]time.Time)
}

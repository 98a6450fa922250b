// Package ratelimit bounds how fast polling clients may hit the progress
// endpoint. The counters live in an explicit store with TTL eviction rather
// than ambient process-global maps, and the clock is injected so tests can
// drive time.
package ratelimit

import (
	"sync"
	"time"
)

type window struct {
	start time.Time
	count int
}

type Limiter struct {
	mu      sync.Mutex
	windows map[string]window

	limit int
	per   time.Duration
	now   func() time.Time
}

func New(limit int, per time.Duration) *Limiter {
	return NewWithClock(limit, per, time.Now)
}

func NewWithClock(limit int, per time.Duration, now func() time.Time) *Limiter {
	return &Limiter{
		windows: make(map[string]window),
		limit:   limit,
		per:     per,
		now:     now,
	}
}

// Allow reports whether key may make another request in the current window.
// Expired entries are evicted lazily on access.
func (l *Limiter) Allow(key string) bool {
	if l.limit <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= l.per {
		l.windows[key] = window{start: now, count: 1}
		return true
	}
	if w.count >= l.limit {
		return false
	}
	w.count++
	l.windows[key] = w
	return true
}

// Sweep drops every expired window. Callers run it periodically to keep the
// map from accumulating idle clients.
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for key, w := range l.windows {
		if now.Sub(w.start) >= l.per {
			delete(l.windows, key)
		}
	}
}

func (l *Limiter) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

package ratelimit

import (
	"context"
	"sync"
	"time"
)

// sweepEvery controls how often Allow drops expired windows.
const sweepEvery = 1024

type window struct {
	count int
	reset time.Time
}

// MemoryLimiter is an in-process fixed-window limiter. Counters are lost on
// restart.
type MemoryLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
	calls   int
	now     func() time.Time
}

// NewMemoryLimiter creates an empty MemoryLimiter.
func NewMemoryLimiter() *MemoryLimiter {
	return &MemoryLimiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
}

// Allow increments the identifier's counter for rule and reports whether it is
// still within the limit. It never returns an error.
func (l *MemoryLimiter) Allow(_ context.Context, identifier string, rule Rule) (Result, error) {
	key := rule.Key + identifier
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	l.calls++
	if l.calls%sweepEvery == 0 {
		l.sweep(now)
	}

	w, ok := l.windows[key]
	if !ok || !now.Before(w.reset) {
		w = &window{reset: now.Add(rule.Window)}
		l.windows[key] = w
	}
	w.count++

	if w.count <= rule.Limit {
		return Result{Allowed: true}, nil
	}
	return Result{Allowed: false, RetryAfter: w.reset.Sub(now)}, nil
}

// Len returns the number of tracked windows, including expired ones not yet
// swept.
func (l *MemoryLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

func (l *MemoryLimiter) sweep(now time.Time) {
	for k, w := range l.windows {
		if !now.Before(w.reset) {
			delete(l.windows, k)
		}
	}
}

// Package ratelimit bounds how often one identity may mutate notes.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

type Decision struct {
	Allowed   bool
	Count     int
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter is the wait until the window resets, rounded up to whole seconds.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	wait := d.ResetAt.Sub(now)
	if wait <= 0 {
		return time.Second
	}
	if rem := wait % time.Second; rem != 0 {
		wait += time.Second - rem
	}
	return wait
}

type Limiter interface {
	Allow(ctx context.Context, key string, limit int) Decision
}

// FixedWindow counts hits per key in fixed windows held in process memory.
type FixedWindow struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	items  map[string]window
}

type window struct {
	count   int
	resetAt time.Time
}

func NewFixedWindow(size time.Duration) *FixedWindow {
	if size <= 0 {
		size = time.Minute
	}
	return &FixedWindow{
		window: size,
		now:    func() time.Time { return time.Now().UTC() },
		items:  make(map[string]window),
	}
}

func (l *FixedWindow) Allow(_ context.Context, key string, limit int) Decision {
	if limit <= 0 {
		limit = 1
	}
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweep(now)
	curr, ok := l.items[key]
	if !ok || !now.Before(curr.resetAt) {
		curr = window{resetAt: now.Add(l.window)}
	}
	curr.count++
	l.items[key] = curr
	return decide(curr.count, limit, curr.resetAt)
}

func (l *FixedWindow) sweep(now time.Time) {
	for k, v := range l.items {
		if !now.Before(v.resetAt) {
			delete(l.items, k)
		}
	}
}

func decide(count, limit int, resetAt time.Time) Decision {
	remaining := limit - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= limit,
		Count:     count,
		Limit:     limit,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// Package ratelimit provides a per-source sliding-window call limiter.
//
// The window is strict: at most N calls are admitted in any interval of
// length T, counted from actual admission times rather than fixed buckets.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Limiter admits at most calls per period, measured over a sliding window.
// A Limiter with calls <= 0 admits everything.
type Limiter struct {
	calls  int
	period time.Duration

	mu    sync.Mutex
	stamp []time.Time // admission times inside the current window, oldest first

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a sliding-window limiter.
func New(calls int, period time.Duration) *Limiter {
	return &Limiter{
		calls:  calls,
		period: period,
		now:    time.Now,
		sleep:  sleepCtx,
	}
}

// Acquire blocks until a call slot is available or the context is done.
// The slot is consumed at the moment Acquire returns nil.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l == nil || l.calls <= 0 || l.period <= 0 {
		return ctx.Err()
	}

	for {
		l.mu.Lock()
		now := l.now()
		l.evict(now)

		if len(l.stamp) < l.calls {
			l.stamp = append(l.stamp, now)
			l.mu.Unlock()
			return nil
		}

		// Wait until the oldest admission slides out of the window.
		wait := l.stamp[0].Add(l.period).Sub(now)
		l.mu.Unlock()

		if err := l.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// Available reports how many slots are free right now. Informational only;
// a subsequent Acquire may still block under concurrent use.
func (l *Limiter) Available() int {
	if l == nil || l.calls <= 0 {
		return 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.evict(l.now())
	return l.calls - len(l.stamp)
}

func (l *Limiter) evict(now time.Time) {
	cutoff := now.Add(-l.period)
	i := 0
	for i < len(l.stamp) && !l.stamp[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.stamp = l.stamp[i:]
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Registry hands out one limiter per source name.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
}

// NewRegistry creates an empty limiter registry.
func NewRegistry() *Registry {
	return &Registry{limiters: make(map[string]*Limiter)}
}

// For returns the limiter registered for a source, creating it on first use
// with the given budget. Later calls ignore the budget arguments.
func (r *Registry) For(source string, calls int, period time.Duration) *Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[source]; ok {
		return l
	}
	l := New(calls, period)
	r.limiters[source] = l
	return l
}

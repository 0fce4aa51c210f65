// Package ratelimit throttles outbound API calls with sliding per-minute and
// per-hour budgets plus a minimum spacing between calls.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Config sets the budgets. A zero budget disables that window.
type Config struct {
	RequestsPerMinute int
	RequestsPerHour   int
	MinInterval       time.Duration
}

type window struct {
	limit int
	span  time.Duration
}

// Limiter is safe for concurrent use. Each caller reserves its slot under
// the lock before sleeping, so concurrent waiters never share a slot.
type Limiter struct {
	mu          sync.Mutex
	windows     []window
	minInterval time.Duration
	longest     time.Duration
	// slots holds granted call times in ascending order; some may be in the future.
	slots []time.Time

	now   func() time.Time
	after func(time.Duration) <-chan time.Time
}

// New creates a limiter from cfg.
func New(cfg Config) *Limiter {
	var windows []window
	if cfg.RequestsPerMinute > 0 {
		windows = append(windows, window{limit: cfg.RequestsPerMinute, span: time.Minute})
	}
	if cfg.RequestsPerHour > 0 {
		windows = append(windows, window{limit: cfg.RequestsPerHour, span: time.Hour})
	}
	return newLimiter(windows, cfg.MinInterval, time.Now, time.After)
}

func newLimiter(windows []window, minInterval time.Duration, now func() time.Time, after func(time.Duration) <-chan time.Time) *Limiter {
	l := &Limiter{
		windows:     windows,
		minInterval: minInterval,
		now:         now,
		after:       after,
	}
	for _, w := range windows {
		l.longest = max(l.longest, w.span)
	}
	return l
}

// WaitIfNeeded blocks until the caller may issue its next call, or returns
// ctx's error. A cancelled caller gives its slot back.
func (l *Limiter) WaitIfNeeded(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.mu.Lock()
	now := l.now()
	l.prune(now)
	at := l.nextSlot(now)
	l.slots = append(l.slots, at)
	l.mu.Unlock()

	delay := at.Sub(now)
	if delay <= 0 {
		return nil
	}

	select {
	case <-l.after(delay):
		return nil
	case <-ctx.Done():
		l.withdraw(at)
		return ctx.Err()
	}
}

// nextSlot returns the earliest instant that keeps every window under its
// limit, never earlier than the last granted slot.
func (l *Limiter) nextSlot(now time.Time) time.Time {
	at := now
	n := len(l.slots)
	if n == 0 {
		return at
	}

	last := l.slots[n-1]
	if earliest := last.Add(l.minInterval); earliest.After(at) {
		at = earliest
	}
	for _, w := range l.windows {
		if n < w.limit {
			continue
		}
		// the limit-th most recent slot must have left the window
		if earliest := l.slots[n-w.limit].Add(w.span); earliest.After(at) {
			at = earliest
		}
	}
	return at
}

// prune drops slots that no window can still see.
func (l *Limiter) prune(now time.Time) {
	keep := max(l.longest, l.minInterval)
	cutoff := now.Add(-keep)
	i := 0
	for i < len(l.slots) && !l.slots[i].After(cutoff) {
		i++
	}
	if i > 0 {
		l.slots = append(l.slots[:0], l.slots[i:]...)
	}
}

func (l *Limiter) withdraw(at time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, t := range l.slots {
		if t.Equal(at) {
			l.slots = append(l.slots[:i], l.slots[i+1:]...)
			return
		}
	}
}

// Pending returns how many granted slots are still inside the longest window.
func (l *Limiter) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.prune(l.now())
	return len(l.slots)
}

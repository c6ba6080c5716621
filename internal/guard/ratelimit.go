package guard

import (
	"time"

	"github.com/Wyydra/huddle/internal/core/domain"
	"github.com/Wyydra/huddle/internal/core/port"
)

// Decision is the outcome of one rate limit check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// Err returns nil when allowed, RateLimitExceeded with the retry hint otherwise.
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return &domain.Error{
		Code:       domain.CodeRateLimitExceeded,
		Message:    "too many requests",
		RetryAfter: d.RetryAfter,
	}
}

type bucket struct {
	tokens      int
	windowStart time.Time
}

// RateLimiter gives every key max tokens per window. The bucket refills in
// full once the window that started with the first request has elapsed.
type RateLimiter struct {
	max     int
	window  time.Duration
	clock   port.Clock
	buckets *shardedMap[*bucket]
}

func NewRateLimiter(max int, window time.Duration, clock port.Clock) *RateLimiter {
	if clock == nil {
		clock = port.SystemClock{}
	}
	return &RateLimiter{
		max:     max,
		window:  window,
		clock:   clock,
		buckets: newShardedMap[*bucket](),
	}
}

func (l *RateLimiter) Allow(key string) Decision {
	if l.max <= 0 {
		return Decision{Allowed: true}
	}
	now := l.clock.Now()

	var d Decision
	l.buckets.with(key, func(m map[string]*bucket) {
		b, ok := m[key]
		if !ok || now.Sub(b.windowStart) >= l.window {
			b = &bucket{tokens: l.max, windowStart: now}
			m[key] = b
		}
		if b.tokens > 0 {
			b.tokens--
			d = Decision{Allowed: true, Remaining: b.tokens}
			return
		}
		d = Decision{RetryAfter: b.windowStart.Add(l.window).Sub(now)}
	})
	return d
}

// Sweep forgets buckets whose window has elapsed.
func (l *RateLimiter) Sweep(now time.Time) int {
	return l.buckets.sweep(func(_ string, b *bucket) bool {
		return now.Sub(b.windowStart) >= l.window
	})
}

// Package ratelimit decides whether an incoming event is processed or
// silently dropped. Dropped events are only counted.
package ratelimit

import (
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Limiter is a token bucket holding up to BurstSize tokens, refilled at
// MaxEventsPerSecond. The bucket starts full. Refill and consume happen
// as one step under rate.Limiter's lock, so Allow is safe for concurrent use.
type Limiter struct {
	bucket  *rate.Limiter // nil when disabled
	dropped atomic.Uint64
}

// New builds a Limiter from cfg. A disabled config yields a Limiter that
// admits everything.
func New(cfg Config) (*Limiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled {
		return &Limiter{}, nil
	}
	cfg = cfg.withDefaults()
	return &Limiter{
		bucket: rate.NewLimiter(rate.Limit(cfg.MaxEventsPerSecond), cfg.BurstSize),
	}, nil
}

// Allow consumes one token if available.
func (l *Limiter) Allow() bool {
	return l.AllowAt(time.Now())
}

// AllowAt is Allow evaluated at now.
func (l *Limiter) AllowAt(now time.Time) bool {
	if l == nil || l.bucket == nil {
		return true
	}
	if l.bucket.AllowN(now, 1) {
		return true
	}
	l.dropped.Add(1)
	return false
}

// Dropped returns how many events have been rejected so far.
func (l *Limiter) Dropped() uint64 {
	if l == nil {
		return 0
	}
	return l.dropped.Load()
}

// Enabled reports whether the limiter can reject events.
func (l *Limiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

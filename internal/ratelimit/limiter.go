// Package ratelimit paces outbound requests per endpoint with a randomized
// minimum gap, so the upstream never sees a fixed request cadence.
package ratelimit

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"
)

// Jitter bounds applied to the base delay
const (
	MinJitter = 0.5
	MaxJitter = 1.5
)

// Limiter blocks callers until baseDelay x uniform(0.5, 1.5) has passed since
// the previous call to the same endpoint.
//
// Each call reserves its slot under the lock (read the previous slot, pick the
// gap, store the new slot) and then sleeps outside it. Two goroutines can never
// compute the same window, and the lock is never held across a sleep.
type Limiter struct {
	baseDelay time.Duration

	mu    sync.Mutex
	slots map[string]time.Time

	jitter func() float64
	now    func() time.Time
}

// Option customizes a Limiter
type Option func(*Limiter)

// WithJitter replaces the random multiplier source. Values are clamped to [0.5, 1.5].
func WithJitter(fn func() float64) Option {
	return func(l *Limiter) { l.jitter = fn }
}

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter with the given base delay
func New(baseDelay time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		baseDelay: baseDelay,
		slots:     make(map[string]time.Time),
		jitter:    func() float64 { return MinJitter + rand.Float64()*(MaxJitter-MinJitter) },
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// EndpointKey strips the query string so all calls to a path share one pace
func EndpointKey(rawURL string) string {
	key, _, _ := strings.Cut(rawURL, "?")
	return key
}

// Throttle blocks until the caller may hit endpointKey. It returns early with
// the context error if ctx is done first; the reserved slot is kept either way.
func (l *Limiter) Throttle(ctx context.Context, endpointKey string) error {
	wait := l.reserve(endpointKey)
	if wait <= 0 {
		return nil
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// reserve claims the next slot for key and returns how long to wait for it
func (l *Limiter) reserve(key string) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	gap := time.Duration(float64(l.baseDelay) * clamp(l.jitter()))

	slot := now
	if last, ok := l.slots[key]; ok {
		if earliest := last.Add(gap); earliest.After(now) {
			slot = earliest
		}
	}
	l.slots[key] = slot

	return slot.Sub(now)
}

func clamp(m float64) float64 {
	if m < MinJitter {
		return MinJitter
	}
	if m > MaxJitter {
		return MaxJitter
	}
	return m
}

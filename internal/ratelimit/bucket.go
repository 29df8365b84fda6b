package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default bucket parameters for providers without explicit configuration.
const (
	DefaultRPS   = 1.0
	DefaultBurst = 2
)

// BucketConfig holds the token-bucket parameters for one provider.
type BucketConfig struct {
	// RPS is the sustained refill rate in requests per second.
	RPS float64
	// Burst is the bucket capacity.
	Burst int
}

// Limiter paces calls to each provider with an independent token bucket.
// Acquire blocks until a token is available or the context is done, so a
// stage naturally spreads its fanout across the provider's budget instead
// of failing calls.
//
// Safe for concurrent use from multiple goroutines.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	configs  map[string]BucketConfig
	penalize map[string]time.Time
}

// NewLimiter creates a Limiter with the given per-provider configuration.
// Providers missing from configs get DefaultRPS/DefaultBurst on first use.
func NewLimiter(configs map[string]BucketConfig) *Limiter {
	if configs == nil {
		configs = make(map[string]BucketConfig)
	}
	return &Limiter{
		buckets:  make(map[string]*rate.Limiter),
		configs:  configs,
		penalize: make(map[string]time.Time),
	}
}

// Acquire blocks until provider has a token available or ctx is done.
// Returns ctx.Err() when the context expires first; the token is not
// consumed in that case.
func (l *Limiter) Acquire(ctx context.Context, provider string) error {
	// Honor an active penalty window before consuming a token.
	if until, ok := l.penaltyUntil(provider); ok {
		wait := time.Until(until)
		if wait > 0 {
			if dl, ok := ctx.Deadline(); ok && dl.Before(until) {
				return context.DeadlineExceeded
			}
			t := time.NewTimer(wait)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	return l.bucket(provider).Wait(ctx)
}

// Allow reports whether a token is immediately available without consuming
// wait time. Used by probes that must not queue behind live traffic.
func (l *Limiter) Allow(provider string) bool {
	if until, ok := l.penaltyUntil(provider); ok && time.Now().Before(until) {
		return false
	}
	return l.bucket(provider).Allow()
}

// Penalize pauses all admissions for provider until now+d. Called when the
// provider answers 429 with a Retry-After; the pause applies to every
// caller, not just the one that got throttled.
func (l *Limiter) Penalize(provider string, d time.Duration) {
	if d <= 0 {
		return
	}
	until := time.Now().Add(d)

	l.mu.Lock()
	if until.After(l.penalize[provider]) {
		l.penalize[provider] = until
	}
	l.mu.Unlock()
}

func (l *Limiter) penaltyUntil(provider string) (time.Time, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	until, ok := l.penalize[provider]
	if !ok || time.Now().After(until) {
		delete(l.penalize, provider)
		return time.Time{}, false
	}
	return until, true
}

func (l *Limiter) bucket(provider string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if b, ok := l.buckets[provider]; ok {
		return b
	}

	cfg, ok := l.configs[provider]
	if !ok || cfg.RPS <= 0 {
		cfg = BucketConfig{RPS: DefaultRPS, Burst: DefaultBurst}
	}
	if cfg.Burst < 1 {
		cfg.Burst = 1
	}

	b := rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst)
	l.buckets[provider] = b
	return b
}

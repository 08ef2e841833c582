package resilience

import (
	"context"
	"sync"
	"time"
)

// Limiter blocks callers until a request may be issued.
type Limiter interface {
	Wait(ctx context.Context) error
}

// RateLimiter implements token bucket rate limiting
type RateLimiter struct {
	mu         sync.Mutex
	rate       float64 // tokens per second
	burst      int
	tokens     float64
	lastUpdate time.Time
	now        func() time.Time
}

// NewRateLimiter creates a limiter allowing rate requests per second with the given burst
func NewRateLimiter(rate float64, burst int) *RateLimiter {
	if rate <= 0 {
		rate = 10
	}
	if burst <= 0 {
		burst = int(rate)
		if burst < 1 {
			burst = 1
		}
	}

	return &RateLimiter{
		rate:       rate,
		burst:      burst,
		tokens:     float64(burst),
		lastUpdate: time.Now(),
		now:        time.Now,
	}
}

// NewRateLimiterFromRPM creates a rate limiter from requests per minute
func NewRateLimiterFromRPM(requestsPerMinute int, burst int) *RateLimiter {
	return NewRateLimiter(float64(requestsPerMinute)/60.0, burst)
}

// Allow takes a token if one is available, without blocking
func (rl *RateLimiter) Allow() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()
	if rl.tokens >= 1.0 {
		rl.tokens -= 1.0
		return true
	}
	return false
}

// Wait blocks until a token is available or ctx is done
func (rl *RateLimiter) Wait(ctx context.Context) error {
	for {
		if rl.Allow() {
			return nil
		}

		select {
		case <-time.After(rl.waitTime()):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// refill adds tokens for elapsed time (caller holds mu)
func (rl *RateLimiter) refill() {
	now := rl.now()
	rl.tokens += now.Sub(rl.lastUpdate).Seconds() * rl.rate
	if rl.tokens > float64(rl.burst) {
		rl.tokens = float64(rl.burst)
	}
	rl.lastUpdate = now
}

func (rl *RateLimiter) waitTime() time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	needed := 1.0 - rl.tokens
	if needed < 0 {
		needed = 0
	}
	wait := time.Duration(needed / rl.rate * float64(time.Second))
	if wait < 10*time.Millisecond {
		wait = 10 * time.Millisecond
	}
	return wait
}

// SetRate changes the rate (requests per second)
func (rl *RateLimiter) SetRate(rate float64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refill()
	rl.rate = rate
}

// Rate returns the current rate in requests per second
func (rl *RateLimiter) Rate() float64 {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return rl.rate
}

// AdaptiveLimiter halves its rate on every HTTP 429 and creeps back to the
// base rate after a run of successes. Free-tier market data APIs throttle
// aggressively and without warning.
type AdaptiveLimiter struct {
	limiter *RateLimiter

	baseRate       float64
	minRate        float64
	backoffFactor  float64
	recoveryFactor float64
	recoveryWindow int

	mu            sync.Mutex
	successes     int
	rateLimitHits int64
}

// AdaptiveLimiterConfig configures the adaptive limiter.
type AdaptiveLimiterConfig struct {
	RequestsPerMinute int
	Burst             int
	MinRate           float64 // requests per second floor (default: base/16)
	BackoffFactor     float64 // default 0.5
	RecoveryFactor    float64 // default 1.25
	RecoveryWindow    int     // consecutive successes before recovering (default 10)
}

// NewAdaptiveLimiter creates a new adaptive rate limiter.
func NewAdaptiveLimiter(cfg AdaptiveLimiterConfig) *AdaptiveLimiter {
	base := float64(cfg.RequestsPerMinute) / 60.0
	if base <= 0 {
		base = 1
	}
	if cfg.MinRate <= 0 || cfg.MinRate > base {
		cfg.MinRate = base / 16
	}
	if cfg.BackoffFactor <= 0 || cfg.BackoffFactor >= 1 {
		cfg.BackoffFactor = 0.5
	}
	if cfg.RecoveryFactor <= 1 {
		cfg.RecoveryFactor = 1.25
	}
	if cfg.RecoveryWindow <= 0 {
		cfg.RecoveryWindow = 10
	}

	return &AdaptiveLimiter{
		limiter:        NewRateLimiter(base, cfg.Burst),
		baseRate:       base,
		minRate:        cfg.MinRate,
		backoffFactor:  cfg.BackoffFactor,
		recoveryFactor: cfg.RecoveryFactor,
		recoveryWindow: cfg.RecoveryWindow,
	}
}

// Wait blocks until a token is available.
func (a *AdaptiveLimiter) Wait(ctx context.Context) error {
	return a.limiter.Wait(ctx)
}

// RecordSuccess counts a successful call, recovering rate after a full window.
func (a *AdaptiveLimiter) RecordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.successes++
	if a.successes < a.recoveryWindow {
		return
	}
	a.successes = 0

	rate := a.limiter.Rate() * a.recoveryFactor
	if rate > a.baseRate {
		rate = a.baseRate
	}
	a.limiter.SetRate(rate)
}

// RecordRateLimitError backs off immediately.
func (a *AdaptiveLimiter) RecordRateLimitError() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.successes = 0
	a.rateLimitHits++

	rate := a.limiter.Rate() * a.backoffFactor
	if rate < a.minRate {
		rate = a.minRate
	}
	a.limiter.SetRate(rate)
}

// RecordError resets the success run without backing off.
func (a *AdaptiveLimiter) RecordError() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.successes = 0
}

// Observe feeds the outcome of a call into the limiter.
func (a *AdaptiveLimiter) Observe(err error) {
	switch {
	case err == nil:
		a.RecordSuccess()
	case IsRateLimited(err):
		a.RecordRateLimitError()
	default:
		a.RecordError()
	}
}

// CurrentRate returns the current rate in requests per second.
func (a *AdaptiveLimiter) CurrentRate() float64 {
	return a.limiter.Rate()
}

// IsThrottled reports whether the limiter runs below its base rate.
func (a *AdaptiveLimiter) IsThrottled() bool {
	return a.limiter.Rate() < a.baseRate
}

// RateLimitHits returns the number of 429s observed.
func (a *AdaptiveLimiter) RateLimitHits() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rateLimitHits
}

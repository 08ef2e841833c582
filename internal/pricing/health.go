package pricing

import (
	"sync"
	"time"
)

// ProviderHealth represents the current health state of a price provider.
// It backs the /ready endpoint and the provider health metrics.
type ProviderHealth struct {
	// Provider is the name of the provider (e.g., "coingecko", "dexscreener")
	Provider string `json:"provider"`

	// LastSuccess is the timestamp of the last successful API call
	LastSuccess time.Time `json:"lastSuccess,omitempty"`

	// LastFailure is the timestamp of the last failed API call
	LastFailure time.Time `json:"lastFailure,omitempty"`

	// LastError contains the error message from the last failure, if any
	LastError string `json:"lastError,omitempty"`

	// LastDuration is the latency of the last API call
	LastDuration time.Duration `json:"lastDurationNs"`

	// ConsecutiveFailures is the count of consecutive failed API calls
	ConsecutiveFailures int `json:"consecutiveFailures"`

	// CircuitState is the current state of the circuit breaker (closed, open, half-open)
	CircuitState string `json:"circuitState"`

	// CircuitOpenedAt is when the breaker last opened
	CircuitOpenedAt time.Time `json:"circuitOpenedAt,omitempty"`

	// Throttled is set while the adaptive limiter runs below its base rate
	Throttled bool `json:"throttled,omitempty"`
}

// Healthy reports whether the provider is currently usable.
func (h ProviderHealth) Healthy() bool {
	return h.CircuitState != "open"
}

// HealthProvider defines the interface for providers that expose health status.
type HealthProvider interface {
	// Health returns the current health status of the provider.
	// This method should be thread-safe and non-blocking.
	Health() ProviderHealth
}

// healthTracker records call outcomes for a provider.
type healthTracker struct {
	mu     sync.RWMutex
	health ProviderHealth
	now    func() time.Time
}

func newHealthTracker(provider string) *healthTracker {
	return &healthTracker{health: ProviderHealth{Provider: provider}, now: time.Now}
}

func (t *healthTracker) record(err error, duration time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.health.LastDuration = duration
	if err == nil {
		t.health.LastSuccess = t.now()
		t.health.LastError = ""
		t.health.ConsecutiveFailures = 0
		return
	}

	t.health.LastFailure = t.now()
	t.health.LastError = err.Error()
	t.health.ConsecutiveFailures++
}

func (t *healthTracker) snapshot() ProviderHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.health
}

// AnyHealthy reports whether at least one provider can serve requests.
// The oracle falls back across providers, so one is enough to be ready.
func AnyHealthy(providers []HealthProvider) bool {
	for _, p := range providers {
		if p.Health().Healthy() {
			return true
		}
	}
	return false
}

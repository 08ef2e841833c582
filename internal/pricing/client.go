package pricing

import (
	"context"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/agatticelli/dex-swap-engine/internal/platform/config"
	"github.com/agatticelli/dex-swap-engine/internal/platform/observability"
	"github.com/agatticelli/dex-swap-engine/internal/platform/resilience"
)

// httpProvider is the transport shared by the REST providers: one resty
// client, one circuit breaker and one adaptive limiter per provider.
type httpProvider struct {
	name    string
	client  *resty.Client
	limiter *resilience.AdaptiveLimiter
	cb      *resilience.CircuitBreaker
	retry   resilience.RetryConfig
	logger  *observability.Logger
	metrics *observability.Metrics
	health  *healthTracker
}

func newHTTPProvider(name string, cfg config.ProviderConfig, logger *observability.Logger, metrics *observability.Metrics) *httpProvider {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 8 * time.Second
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 30
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 5
	}

	retry := resilience.DefaultRetryConfig()
	if cfg.MaxRetries > 0 {
		retry.MaxAttempts = cfg.MaxRetries
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")

	cb := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Timeout:          30 * time.Second,
		OnStateChange: func(name string, from, to resilience.State) {
			metrics.SetCircuitBreakerState(context.Background(), name, int64(to))
			logger.LogWarn(context.Background(), "provider circuit state changed",
				"provider", name, "from", from.String(), "to", to.String())
		},
	})

	return &httpProvider{
		name:   name,
		client: client,
		limiter: resilience.NewAdaptiveLimiter(resilience.AdaptiveLimiterConfig{
			RequestsPerMinute: cfg.RateLimit.RequestsPerMinute,
			Burst:             cfg.RateLimit.Burst,
		}),
		cb:      cb,
		retry:   retry,
		logger:  logger.WithComponent(name),
		metrics: metrics,
		health:  newHealthTracker(name),
	}
}

// get issues GET path with query and decodes a 2xx JSON body into out.
// Non-2xx responses become *resilience.StatusError.
func (p *httpProvider) get(ctx context.Context, op, path string, query map[string]string, out interface{}) error {
	return p.cb.Execute(ctx, func(ctx context.Context) error {
		return resilience.RetryIf(ctx, p.retry, resilience.IsRetryable, func(ctx context.Context) error {
			if err := p.limiter.Wait(ctx); err != nil {
				return fmt.Errorf("rate limiter: %w", err)
			}

			start := time.Now()
			err := p.do(ctx, path, query, out)
			duration := time.Since(start)

			p.limiter.Observe(err)
			p.health.record(err, duration)

			status := "success"
			if err != nil {
				status = "error"
				p.logger.LogDebug(ctx, "provider call failed", "op", op, "path", path, "error", err)
			}
			p.metrics.RecordProviderCall(ctx, p.name, op, status, duration)

			return err
		})
	})
}

func (p *httpProvider) do(ctx context.Context, path string, query map[string]string, out interface{}) error {
	resp, err := p.client.R().
		SetContext(ctx).
		SetQueryParams(query).
		SetResult(out).
		Get(path)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", p.name, err)
	}
	if resp.IsError() {
		return &resilience.StatusError{
			Provider:   p.name,
			StatusCode: resp.StatusCode(),
			Body:       string(resp.Body()),
		}
	}
	return nil
}

// Health returns the current health status of the provider.
func (p *httpProvider) Health() ProviderHealth {
	h := p.health.snapshot()
	cb := p.cb.Snapshot()
	h.CircuitState = cb.State.String()
	h.CircuitOpenedAt = cb.OpenedAt
	h.Throttled = p.limiter.IsThrottled()
	return h
}

// Name returns the provider name.
func (p *httpProvider) Name() string {
	return p.name
}

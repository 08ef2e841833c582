package notification

import (
	"context"

	"github.com/agatticelli/dex-swap-engine/internal/platform/observability"
)

// NoOpPublisher logs events instead of publishing them.
// Used when SNS is not configured (local development, testing).
type NoOpPublisher struct {
	logger *observability.Logger
}

// NewNoOpPublisher creates a publisher that only logs
func NewNoOpPublisher(logger *observability.Logger) *NoOpPublisher {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	return &NoOpPublisher{logger: logger.WithComponent("notification")}
}

// PublishTxEvent logs the event
func (p *NoOpPublisher) PublishTxEvent(ctx context.Context, ev *TxEvent) error {
	p.logger.LogInfo(ctx, "transaction event (SNS disabled)",
		"event_id", ev.EventID,
		"kind", ev.Kind,
		"status", ev.Status,
		"tx_hash", ev.TxHash,
		"pair", ev.PairAddress,
		"step", ev.Step,
	)
	return nil
}

// CircuitBreakerState returns "closed" since there's no circuit breaker.
func (p *NoOpPublisher) CircuitBreakerState() string {
	return "closed"
}

// ResetCircuitBreaker is a no-op since there's no circuit breaker.
func (p *NoOpPublisher) ResetCircuitBreaker() {}

package notification

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"

	"github.com/agatticelli/dex-swap-engine/internal/platform/aws"
	"github.com/agatticelli/dex-swap-engine/internal/platform/observability"
)

// Publisher publishes transaction events to SNS
type Publisher struct {
	snsClient *aws.SNSClient
	topicARN  string
	logger    *observability.Logger
	tracer    observability.Tracer
}

// PublisherConfig holds publisher configuration
type PublisherConfig struct {
	SNSClient *aws.SNSClient
	TopicARN  string
	Logger    *observability.Logger
	Tracer    observability.Tracer
}

// NewPublisher creates a new transaction event publisher
func NewPublisher(cfg PublisherConfig) (*Publisher, error) {
	if cfg.SNSClient == nil {
		return nil, fmt.Errorf("SNS client is required")
	}
	if cfg.TopicARN == "" {
		return nil, fmt.Errorf("SNS topic ARN is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}

	return &Publisher{
		snsClient: cfg.SNSClient,
		topicARN:  cfg.TopicARN,
		logger:    cfg.Logger.WithComponent("notification"),
		tracer:    observability.TracerOrNoop(cfg.Tracer),
	}, nil
}

// PublishTxEvent publishes a transaction event to SNS
func (p *Publisher) PublishTxEvent(ctx context.Context, ev *TxEvent) (err error) {
	ctx, span := p.tracer.StartSpan(ctx, "Publisher.PublishTxEvent", observability.WithAttributes(
		attribute.String("event_id", ev.EventID),
		attribute.String("kind", ev.Kind),
		attribute.String("status", ev.Status),
		attribute.String("topic_arn", p.topicARN),
	))
	defer observability.Finish(span, &err)

	// Events for one owner stay ordered on FIFO topics.
	messageID, err := p.snsClient.Send(ctx, aws.Message{
		TopicARN:        p.topicARN,
		Body:            ev,
		Attributes:      ev.Attributes(),
		GroupID:         ev.Owner,
		DeduplicationID: ev.EventID + ":" + ev.Status,
	})
	if err != nil {
		return fmt.Errorf("publish %s event: %w", ev.Kind, err)
	}
	span.SetAttribute("message_id", messageID)

	p.logger.LogDebug(ctx, "published transaction event",
		"event_id", ev.EventID,
		"message_id", messageID,
		"kind", ev.Kind,
		"status", ev.Status,
		"tx_hash", ev.TxHash,
	)
	return nil
}

// CircuitBreakerState returns the current circuit breaker state
func (p *Publisher) CircuitBreakerState() string {
	return p.snsClient.CircuitBreakerState().String()
}

// ResetCircuitBreaker manually resets the circuit breaker
func (p *Publisher) ResetCircuitBreaker() {
	p.snsClient.ResetCircuitBreaker()
	p.logger.LogInfo(context.Background(), "reset SNS circuit breaker")
}

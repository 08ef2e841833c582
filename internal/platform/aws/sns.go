package aws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/agatticelli/dex-swap-engine/internal/platform/observability"
	"github.com/agatticelli/dex-swap-engine/internal/platform/resilience"
)

// ErrInvalidMessage is returned before any network call when a message
// cannot be sent as given.
var ErrInvalidMessage = errors.New("invalid SNS message")

// API is the part of *sns.Client the wrapper uses.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// Message is one notification. Body is marshalled to JSON.
// GroupID and DeduplicationID are required by FIFO topics (ARN ending in
// ".fifo") and ignored otherwise.
type Message struct {
	TopicARN        string
	Body            interface{}
	Attributes      map[string]string
	GroupID         string
	DeduplicationID string
}

func (m Message) fifo() bool {
	return strings.HasSuffix(m.TopicARN, ".fifo")
}

// SNSClient publishes messages behind a circuit breaker, retrying transient
// failures.
type SNSClient struct {
	api     API
	breaker *resilience.CircuitBreaker
	retry   resilience.RetryConfig
	logger  *observability.Logger
	metrics *observability.Metrics
}

// SNSClientConfig configures NewSNSClient. Endpoint points at LocalStack in
// development; API replaces the SDK client in tests.
type SNSClientConfig struct {
	AWSConfig      aws.Config
	Endpoint       string
	API            API
	Logger         *observability.Logger
	Metrics        *observability.Metrics
	RetryConfig    *resilience.RetryConfig
	CircuitBreaker *resilience.CircuitBreaker
}

func NewSNSClient(cfg SNSClientConfig) *SNSClient {
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	logger := cfg.Logger.WithComponent("sns")

	api := cfg.API
	if api == nil {
		api = sns.NewFromConfig(cfg.AWSConfig, func(o *sns.Options) {
			if cfg.Endpoint != "" {
				o.BaseEndpoint = aws.String(cfg.Endpoint)
			}
		})
	}

	retry := resilience.DefaultRetryConfig()
	if cfg.RetryConfig != nil {
		retry = *cfg.RetryConfig
	}

	breaker := cfg.CircuitBreaker
	if breaker == nil {
		breaker = resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
			Name:             "sns",
			FailureThreshold: 5,
			SuccessThreshold: 2,
			Timeout:          30 * time.Second,
			OnStateChange: func(name string, from, to resilience.State) {
				logger.LogWarn(context.Background(), "breaker state changed",
					"breaker", name, "from", from.String(), "to", to.String())
				cfg.Metrics.SetCircuitBreakerState(context.Background(), name, int64(to))
			},
		})
	}

	return &SNSClient{
		api:     api,
		breaker: breaker,
		retry:   retry,
		logger:  logger,
		metrics: cfg.Metrics,
	}
}

// Send validates and publishes msg, returning the SNS message ID.
func (s *SNSClient) Send(ctx context.Context, msg Message) (string, error) {
	input, err := buildInput(msg)
	if err != nil {
		return "", err
	}

	start := time.Now()
	var messageID string
	err = s.breaker.Execute(ctx, func(ctx context.Context) error {
		return resilience.RetryIf(ctx, s.retry, resilience.IsRetryable, func(ctx context.Context) error {
			out, err := s.api.Publish(ctx, input)
			if err != nil {
				return err
			}
			messageID = aws.ToString(out.MessageId)
			return nil
		})
	})

	status := "success"
	if err != nil {
		status = "error"
		s.logger.LogError(ctx, "publish failed", err,
			"topic_arn", msg.TopicARN,
			"breaker", s.breaker.State().String(),
		)
		err = fmt.Errorf("sns publish: %w", err)
	}
	s.metrics.RecordProviderCall(ctx, "sns", "publish", status, time.Since(start))
	return messageID, err
}

func buildInput(msg Message) (*sns.PublishInput, error) {
	if msg.TopicARN == "" {
		return nil, fmt.Errorf("%w: topic ARN is empty", ErrInvalidMessage)
	}
	if msg.fifo() && msg.GroupID == "" {
		return nil, fmt.Errorf("%w: FIFO topic %s needs a group ID", ErrInvalidMessage, msg.TopicARN)
	}

	body, err := json.Marshal(msg.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(msg.TopicARN),
		Message:  aws.String(string(body)),
	}
	if len(msg.Attributes) > 0 {
		input.MessageAttributes = make(map[string]types.MessageAttributeValue, len(msg.Attributes))
		for k, v := range msg.Attributes {
			if v == "" {
				continue // SNS rejects empty attribute values
			}
			input.MessageAttributes[k] = types.MessageAttributeValue{
				DataType:    aws.String("String"),
				StringValue: aws.String(v),
			}
		}
	}
	if msg.fifo() {
		input.MessageGroupId = aws.String(msg.GroupID)
		if msg.DeduplicationID != "" {
			input.MessageDeduplicationId = aws.String(msg.DeduplicationID)
		}
	}
	return input, nil
}

func (s *SNSClient) CircuitBreakerState() resilience.State {
	return s.breaker.State()
}

func (s *SNSClient) ResetCircuitBreaker() {
	s.breaker.Reset()
}

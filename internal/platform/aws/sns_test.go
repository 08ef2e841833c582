package aws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"

	"github.com/agatticelli/dex-swap-engine/internal/platform/resilience"
)

type recordingSNS struct {
	mu     sync.Mutex
	inputs []*sns.PublishInput
	err    error
}

func (r *recordingSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs = append(r.inputs, in)
	if r.err != nil {
		return nil, r.err
	}
	return &sns.PublishOutput{MessageId: aws.String("msg-1")}, nil
}

func (r *recordingSNS) calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inputs)
}

func fastRetry() *resilience.RetryConfig {
	return &resilience.RetryConfig{MaxAttempts: 2, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
}

func TestSNSClient_SendMarshalsBody(t *testing.T) {
	fake := &recordingSNS{}
	client := NewSNSClient(SNSClientConfig{API: fake})

	id, err := client.Send(context.Background(), Message{
		TopicARN:   "arn:aws:sns:us-east-1:000000000000:tx",
		Body:       map[string]string{"kind": "swap", "status": "pending"},
		Attributes: map[string]string{"kind": "swap", "txHash": ""},
		GroupID:    "ignored on standard topics",
	})
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if id != "msg-1" {
		t.Errorf("message id = %q", id)
	}

	in := fake.inputs[0]
	var got map[string]string
	if err := json.Unmarshal([]byte(*in.Message), &got); err != nil {
		t.Fatalf("body is not JSON: %v", err)
	}
	if got["status"] != "pending" {
		t.Errorf("unexpected body: %v", got)
	}
	if attr, ok := in.MessageAttributes["kind"]; !ok || *attr.StringValue != "swap" {
		t.Errorf("missing kind attribute: %+v", in.MessageAttributes)
	}
	if _, ok := in.MessageAttributes["txHash"]; ok {
		t.Error("empty attribute values must be dropped")
	}
	if in.MessageGroupId != nil {
		t.Error("standard topics must not carry a group id")
	}
	t.Log("✓ body sent as JSON, empty attributes dropped")
}

func TestSNSClient_FIFOTopics(t *testing.T) {
	fake := &recordingSNS{}
	client := NewSNSClient(SNSClientConfig{API: fake})
	topic := "arn:aws:sns:us-east-1:000000000000:tx.fifo"

	_, err := client.Send(context.Background(), Message{TopicARN: topic, Body: "x"})
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("err = %v, want ErrInvalidMessage", err)
	}
	if fake.calls() != 0 {
		t.Fatal("invalid message must not reach SNS")
	}

	if _, err := client.Send(context.Background(), Message{
		TopicARN: topic, Body: "x", GroupID: "0xowner", DeduplicationID: "ev-1:submitted",
	}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	in := fake.inputs[0]
	if aws.ToString(in.MessageGroupId) != "0xowner" || aws.ToString(in.MessageDeduplicationId) != "ev-1:submitted" {
		t.Errorf("group/dedup = %v/%v", aws.ToString(in.MessageGroupId), aws.ToString(in.MessageDeduplicationId))
	}
	t.Log("✓ FIFO topics require a group id and carry dedup ids")
}

func TestSNSClient_DoesNotRetryFinalErrors(t *testing.T) {
	fake := &recordingSNS{err: &resilience.StatusError{Provider: "sns", StatusCode: 400, Body: "invalid argument"}}
	client := NewSNSClient(SNSClientConfig{API: fake, RetryConfig: fastRetry()})

	if _, err := client.Send(context.Background(), Message{TopicARN: "arn", Body: "x"}); err == nil {
		t.Fatal("expected error")
	}
	if fake.calls() != 1 {
		t.Errorf("calls = %d, want 1", fake.calls())
	}
	t.Log("✓ client errors are not retried")
}

func TestSNSClient_RetriesThenOpensBreaker(t *testing.T) {
	fake := &recordingSNS{err: errors.New("throttled")}
	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             "sns",
		FailureThreshold: 1,
		Timeout:          time.Hour,
	})
	client := NewSNSClient(SNSClientConfig{API: fake, RetryConfig: fastRetry(), CircuitBreaker: breaker})

	if _, err := client.Send(context.Background(), Message{TopicARN: "arn", Body: "x"}); err == nil {
		t.Fatal("expected publish error")
	}
	if fake.calls() != 2 {
		t.Errorf("expected 2 attempts, got %d", fake.calls())
	}
	if client.CircuitBreakerState() != resilience.StateOpen {
		t.Fatalf("expected open breaker, got %s", client.CircuitBreakerState())
	}

	_, err := client.Send(context.Background(), Message{TopicARN: "arn", Body: "x"})
	if !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if fake.calls() != 2 {
		t.Errorf("open breaker must not call SNS, got %d calls", fake.calls())
	}

	client.ResetCircuitBreaker()
	if client.CircuitBreakerState() != resilience.StateClosed {
		t.Errorf("expected closed breaker after reset")
	}
	t.Log("✓ retries exhausted, breaker opened and reset")
}

// Package observability provides logging, metrics, and tracing utilities.
package observability

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Tracer starts spans around quote, resolve, plan and execute flows.
type Tracer interface {
	StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, Span)
}

// Span is one traced unit of work. End it through Finish.
type Span interface {
	End()
	SetAttributes(attrs ...attribute.KeyValue)
	// SetAttribute accepts scalars and fmt.Stringer values such as
	// decimals, addresses and big ints.
	SetAttribute(key string, value interface{})
	AddEvent(name string, attrs ...attribute.KeyValue)
	// Fail records err and marks the span as errored.
	Fail(err error)
	Succeed()
}

// SpanOption configures span creation.
type SpanOption func(*[]trace.SpanStartOption)

// WithAttributes adds attributes to the span at creation time.
func WithAttributes(attrs ...attribute.KeyValue) SpanOption {
	return func(opts *[]trace.SpanStartOption) {
		*opts = append(*opts, trace.WithAttributes(attrs...))
	}
}

// WithClientKind marks a span as an outbound call (RPC, provider HTTP).
func WithClientKind() SpanOption {
	return func(opts *[]trace.SpanStartOption) {
		*opts = append(*opts, trace.WithSpanKind(trace.SpanKindClient))
	}
}

type otelTracer struct {
	tracer trace.Tracer
}

func (t *otelTracer) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, Span) {
	startOpts := []trace.SpanStartOption{trace.WithSpanKind(trace.SpanKindInternal)}
	for _, opt := range opts {
		opt(&startOpts)
	}
	ctx, span := t.tracer.Start(ctx, name, startOpts...)
	return ctx, otelSpan{span}
}

type otelSpan struct {
	span trace.Span
}

func (s otelSpan) End() { s.span.End() }

func (s otelSpan) SetAttributes(attrs ...attribute.KeyValue) { s.span.SetAttributes(attrs...) }

func (s otelSpan) SetAttribute(key string, value interface{}) {
	s.span.SetAttributes(toAttribute(key, value))
}

func (s otelSpan) AddEvent(name string, attrs ...attribute.KeyValue) {
	s.span.AddEvent(name, trace.WithAttributes(attrs...))
}

func (s otelSpan) Fail(err error) {
	if err == nil {
		return
	}
	s.span.RecordError(err)
	s.span.SetStatus(codes.Error, err.Error())
}

func (s otelSpan) Succeed() { s.span.SetStatus(codes.Ok, "") }

func toAttribute(key string, value interface{}) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	case fmt.Stringer:
		return attribute.String(key, v.String())
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}

type noopTracer struct{}

// NewNoopTracer returns a tracer that records nothing.
func NewNoopTracer() Tracer { return noopTracer{} }

func (noopTracer) StartSpan(ctx context.Context, _ string, _ ...SpanOption) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) End()                                   {}
func (noopSpan) SetAttributes(...attribute.KeyValue)    {}
func (noopSpan) SetAttribute(string, interface{})       {}
func (noopSpan) AddEvent(string, ...attribute.KeyValue) {}
func (noopSpan) Fail(error)                             {}
func (noopSpan) Succeed()                               {}

// Finish ends span, marking it failed when *errp is non-nil.
//
//	defer observability.Finish(span, &err)
func Finish(span Span, errp *error) {
	if errp != nil && *errp != nil {
		span.Fail(*errp)
	} else {
		span.Succeed()
	}
	span.End()
}

// TracerOrNoop returns t, or a noop tracer when t is nil.
func TracerOrNoop(t Tracer) Tracer {
	if t == nil {
		return NewNoopTracer()
	}
	return t
}

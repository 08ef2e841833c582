package observability

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func recordingTracer(t *testing.T) (Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return &otelTracer{tracer: tp.Tracer("test")}, recorder
}

func TestFinish_RecordsFailure(t *testing.T) {
	tracer, recorder := recordingTracer(t)

	run := func() (err error) {
		_, span := tracer.StartSpan(context.Background(), "Executor.Swap", WithClientKind())
		defer Finish(span, &err)
		span.SetAttribute("pair", "0xabc")
		return errors.New("execution reverted")
	}
	_ = run()

	spans := recorder.Ended()
	if len(spans) != 1 {
		t.Fatalf("ended spans = %d, want 1", len(spans))
	}
	s := spans[0]
	if s.Status().Code != codes.Error || s.Status().Description != "execution reverted" {
		t.Errorf("status = %+v", s.Status())
	}
	if s.SpanKind() != trace.SpanKindClient {
		t.Errorf("kind = %v, want client", s.SpanKind())
	}
	t.Log("✓ failed spans carry the error status")
}

func TestFinish_RecordsSuccess(t *testing.T) {
	tracer, recorder := recordingTracer(t)

	var err error
	_, span := tracer.StartSpan(context.Background(), "Engine.Quote")
	Finish(span, &err)

	if got := recorder.Ended()[0].Status().Code; got != codes.Ok {
		t.Errorf("status = %v, want Ok", got)
	}
}

func TestTracerProvider_Disabled(t *testing.T) {
	tp, err := NewTracerProvider(context.Background(), TracingConfig{ServiceName: "dex-swap-engine"})
	if err != nil {
		t.Fatalf("NewTracerProvider: %v", err)
	}
	if _, ok := tp.Tracer("quote").(noopTracer); !ok {
		t.Error("disabled provider must hand out noop tracers")
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown: %v", err)
	}
	if _, ok := TracerOrNoop(nil).(noopTracer); !ok {
		t.Error("TracerOrNoop(nil) must be a noop tracer")
	}
	t.Log("✓ tracing off means noop tracers")
}

func TestTracingConfig_Sampler(t *testing.T) {
	always := TracingConfig{}.sampler().Description()
	ratio := TracingConfig{SampleRatio: 0.25}.sampler().Description()
	if always == ratio {
		t.Errorf("ratio sampler not applied: %s", ratio)
	}
}

package quote

import (
	"context"
	"time"

	"github.com/agatticelli/dex-swap-engine/internal/platform/observability"
	"github.com/agatticelli/dex-swap-engine/internal/platform/schedule"
)

// Result is delivered for the newest request on an input key. Quote is nil
// when pricing failed, so the caller clears any previously shown quote.
type Result struct {
	Key     string
	Seq     uint64
	Request Request
	Quote   *SwapQuote
	Err     error
}

type liveOutcome struct {
	req   Request
	quote *SwapQuote
}

// LiveQuoter re-quotes as the user types: inputs are debounced per key and
// only the latest request's result is applied.
type LiveQuoter struct {
	engine *Engine
	runner *schedule.Runner[liveOutcome]
}

// LiveConfig configures a LiveQuoter
type LiveConfig struct {
	Debounce time.Duration
	Timeout  time.Duration
	OnResult func(Result)
	Logger   *observability.Logger
	Metrics  *observability.Metrics
}

// NewLiveQuoter creates a live quoter bound to ctx
func NewLiveQuoter(ctx context.Context, engine *Engine, cfg LiveConfig) *LiveQuoter {
	onResult := cfg.OnResult
	if onResult == nil {
		onResult = func(Result) {}
	}

	runner := schedule.NewRunner(ctx, schedule.RunnerConfig[liveOutcome]{
		Kind:     "quote",
		Debounce: cfg.Debounce,
		Timeout:  cfg.Timeout,
		Logger:   cfg.Logger,
		Metrics:  cfg.Metrics,
		Apply: func(o schedule.Outcome[liveOutcome]) {
			onResult(Result{Key: o.Key, Seq: o.Seq, Request: o.Value.req, Quote: o.Value.quote, Err: o.Err})
		},
	})
	return &LiveQuoter{engine: engine, runner: runner}
}

// Input submits a new request for key and returns its sequence number.
func (l *LiveQuoter) Input(key string, req Request) uint64 {
	return l.runner.Submit(key, func(ctx context.Context) (liveOutcome, error) {
		q, err := l.engine.Quote(ctx, req)
		if err != nil {
			return liveOutcome{req: req}, err
		}
		return liveOutcome{req: req, quote: &q}, nil
	})
}

// Cancel drops the pending and in-flight request for key
func (l *LiveQuoter) Cancel(key string) {
	l.runner.Cancel(key)
}

// Stop cancels everything
func (l *LiveQuoter) Stop() {
	l.runner.Stop()
}

package cache

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/agatticelli/dex-swap-engine/internal/platform/observability"
)

// WarmupProvider fills a cache before the engine serves traffic. Warmup
// must be safe to repeat.
type WarmupProvider interface {
	Name() string
	Warmup(ctx context.Context) error
}

// WarmupFunc adapts a function into a WarmupProvider.
func WarmupFunc(name string, fn func(ctx context.Context) error) WarmupProvider {
	return warmupFunc{name: name, fn: fn}
}

type warmupFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (f warmupFunc) Name() string                     { return f.name }
func (f warmupFunc) Warmup(ctx context.Context) error { return f.fn(ctx) }

type WarmupResult struct {
	Provider string
	Duration time.Duration
	Err      error
}

// WarmupResults lists one result per provider in registration order.
type WarmupResults struct {
	Results   []WarmupResult
	TotalTime time.Duration
	Errors    int
}

func (wr *WarmupResults) HasErrors() bool {
	return wr.Errors > 0
}

// Failed names the providers that returned an error.
func (wr *WarmupResults) Failed() []string {
	var names []string
	for _, r := range wr.Results {
		if r.Err != nil {
			names = append(names, r.Provider)
		}
	}
	return names
}

// Warmer runs its providers concurrently under one deadline. A failure is
// reported and never stops the other providers: a cold cache costs latency,
// not correctness.
type Warmer struct {
	providers   []WarmupProvider
	logger      *observability.Logger
	timeout     time.Duration
	concurrency int
}

func NewWarmer(logger *observability.Logger, timeout time.Duration) *Warmer {
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Warmer{logger: logger.WithComponent("cache-warmer"), timeout: timeout, concurrency: 4}
}

func (w *Warmer) RegisterProvider(provider WarmupProvider) {
	w.providers = append(w.providers, provider)
}

func (w *Warmer) Warmup(ctx context.Context) *WarmupResults {
	start := time.Now()
	results := &WarmupResults{Results: make([]WarmupResult, len(w.providers))}

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	var g errgroup.Group
	g.SetLimit(w.concurrency)
	for i, p := range w.providers {
		g.Go(func() error {
			began := time.Now()
			// each goroutine owns its slot
			results.Results[i] = WarmupResult{Provider: p.Name(), Err: p.Warmup(ctx), Duration: time.Since(began)}
			return nil
		})
	}
	_ = g.Wait()

	for _, r := range results.Results {
		if r.Err == nil {
			continue
		}
		results.Errors++
		w.logger.LogWarn(ctx, "warmup failed", "provider", r.Provider, "error", r.Err, "duration_ms", r.Duration.Milliseconds())
	}
	results.TotalTime = time.Since(start)

	w.logger.LogInfo(ctx, "warmup completed",
		"providers", len(w.providers),
		"failed", results.Failed(),
		observability.DurationMS(start),
	)
	return results
}

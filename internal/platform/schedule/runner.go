package schedule

import (
	"context"
	"sync"
	"time"

	"github.com/agatticelli/dex-swap-engine/internal/platform/observability"
)

// Outcome is what a Runner delivers for the latest request on a key
type Outcome[T any] struct {
	Key   string
	Seq   uint64
	Value T
	Err   error
}

// RunnerConfig configures a Runner
type RunnerConfig[T any] struct {
	// Kind labels superseded-response metrics ("quote", "search")
	Kind     string
	Debounce time.Duration
	Timeout  time.Duration
	// Apply is called one outcome at a time and should return quickly
	Apply    func(Outcome[T])
	Metrics  *observability.Metrics
	Logger   *observability.Logger
}

// Runner debounces live inputs per key and applies only the newest response.
// Superseded or cancelled responses are dropped on arrival.
type Runner[T any] struct {
	cfg       RunnerConfig[T]
	debouncer *Debouncer
	seq       *Sequencer
	ctx       context.Context
	cancel    context.CancelFunc

	// applyMu spans the currency check and Apply, so an older response
	// can never land after a newer one for the same key.
	applyMu sync.Mutex
}

// NewRunner creates a runner bound to ctx
func NewRunner[T any](ctx context.Context, cfg RunnerConfig[T]) *Runner[T] {
	if cfg.Logger == nil {
		cfg.Logger = observability.NewNopLogger()
	}
	if cfg.Apply == nil {
		cfg.Apply = func(Outcome[T]) {}
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Runner[T]{
		cfg:       cfg,
		debouncer: NewDebouncer(cfg.Debounce),
		seq:       NewSequencer(),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Submit records a new input for key. fn runs after the quiet period and
// its result is applied only if no newer input arrived meanwhile.
func (r *Runner[T]) Submit(key string, fn func(ctx context.Context) (T, error)) uint64 {
	seq := r.seq.Next(key)

	r.debouncer.Trigger(key, func() {
		if !r.seq.Accept(key, seq) {
			return
		}
		r.run(key, seq, fn)
	})

	return seq
}

func (r *Runner[T]) run(key string, seq uint64, fn func(ctx context.Context) (T, error)) {
	ctx := r.ctx
	if r.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
		defer cancel()
	}

	value, err := fn(ctx)

	r.applyMu.Lock()
	defer r.applyMu.Unlock()
	if r.ctx.Err() != nil || !r.seq.Accept(key, seq) {
		r.cfg.Metrics.RecordSuperseded(context.Background(), r.cfg.Kind)
		r.cfg.Logger.LogDebug(context.Background(), "discarding superseded response",
			"kind", r.cfg.Kind, "key", key, "seq", seq)
		return
	}

	r.cfg.Apply(Outcome[T]{Key: key, Seq: seq, Value: value, Err: err})
}

// Cancel invalidates the pending and in-flight request for key
func (r *Runner[T]) Cancel(key string) {
	r.seq.Next(key)
	r.debouncer.Cancel(key)
}

// Stop cancels every pending and in-flight request
func (r *Runner[T]) Stop() {
	r.debouncer.Stop()
	r.cancel()
}

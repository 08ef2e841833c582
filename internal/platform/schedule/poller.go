package schedule

import (
	"context"
	"sync"
	"time"
)

// Poller runs a function at a fixed interval until cancelled
type Poller struct {
	interval  time.Duration
	immediate bool
	fn        func(ctx context.Context)
}

// PollerOption customizes a Poller
type PollerOption func(*Poller)

// WithImmediateRun makes the poller run once as soon as it starts
func WithImmediateRun() PollerOption {
	return func(p *Poller) { p.immediate = true }
}

// NewPoller creates a poller calling fn every interval
func NewPoller(interval time.Duration, fn func(ctx context.Context), opts ...PollerOption) *Poller {
	p := &Poller{interval: interval, fn: fn}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Handle controls a running poller
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Start launches the polling loop. It stops when ctx is done or Stop is called.
func (p *Poller) Start(ctx context.Context) *Handle {
	ctx, cancel := context.WithCancel(ctx)
	h := &Handle{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(h.done)

		if p.immediate && ctx.Err() == nil {
			p.fn(ctx)
		}

		ticker := time.NewTicker(p.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// a tick and a cancel can be ready together
				if ctx.Err() != nil {
					return
				}
				p.fn(ctx)
			}
		}
	}()

	return h
}

// Stop cancels the poller and waits for the current iteration to finish
func (h *Handle) Stop() {
	h.once.Do(h.cancel)
	<-h.done
}

// Done is closed once the polling loop has exited
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

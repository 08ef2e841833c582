// Package schedule holds the timing primitives behind live inputs:
// debouncing, request superseding and cancellable polling.
package schedule

import (
	"sync"
	"time"
)

// Debouncer delays a callback until its key has been quiet for a fixed period.
// Each Trigger for a key resets that key's timer.
type Debouncer struct {
	quiet time.Duration

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
}

// NewDebouncer creates a debouncer with the given quiet period
func NewDebouncer(quiet time.Duration) *Debouncer {
	return &Debouncer{
		quiet:  quiet,
		timers: make(map[string]*time.Timer),
	}
}

// Trigger schedules fn to run once key has been quiet for the configured period.
// A pending fn for the same key is discarded.
func (d *Debouncer) Trigger(key string, fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.stopped {
		return
	}

	if t, ok := d.timers[key]; ok {
		t.Stop()
	}

	var timer *time.Timer
	timer = time.AfterFunc(d.quiet, func() {
		d.mu.Lock()
		// a newer Trigger replaced this timer after it fired
		if d.timers[key] != timer || d.stopped {
			d.mu.Unlock()
			return
		}
		delete(d.timers, key)
		d.mu.Unlock()

		fn()
	})
	d.timers[key] = timer
}

// Cancel drops the pending callback for key, if any
func (d *Debouncer) Cancel(key string) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if t, ok := d.timers[key]; ok {
		t.Stop()
		delete(d.timers, key)
	}
}

// Pending reports how many keys have a callback waiting
func (d *Debouncer) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.timers)
}

// Stop cancels all pending callbacks. Later Triggers are ignored.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.stopped = true
	for key, t := range d.timers {
		t.Stop()
		delete(d.timers, key)
	}
}

// Package worker provides a bounded worker pool used to fan out I/O-bound
// work (position valuations, snapshot refreshes) without unbounded goroutines.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	// ErrBackpressure is returned when the queue is full and the pool drops new jobs
	ErrBackpressure = errors.New("worker: queue full")

	// ErrPoolClosed is returned when submitting to a closed pool
	ErrPoolClosed = errors.New("worker: pool closed")
)

// Job represents a unit of work to be executed by a worker.
type Job struct {
	ID      string
	Execute func(ctx context.Context) (interface{}, error)
}

// Result represents the outcome of a job execution.
type Result struct {
	JobID string
	Value interface{}
	Err   error
}

// DropPolicy decides what Submit does when the queue is full
type DropPolicy int

const (
	// DropPolicyBlock waits for queue space
	DropPolicyBlock DropPolicy = iota
	// DropPolicyNewest rejects the incoming job with ErrBackpressure
	DropPolicyNewest
)

// PoolConfig configures a Pool
type PoolConfig struct {
	Workers    int
	QueueSize  int
	DropPolicy DropPolicy
}

// Stats is a snapshot of pool counters
type Stats struct {
	JobsSubmitted  int64
	JobsCompleted  int64
	JobsDropped    int64
	ResultsDropped int64 // results of Submit'ed jobs nobody was reading
}

type task struct {
	job   Job
	index int
	reply chan<- indexedResult
}

type indexedResult struct {
	index  int
	result Result
}

// Pool is a worker pool that processes jobs concurrently.
type Pool struct {
	workers    int
	dropPolicy DropPolicy

	queue   chan task
	results chan Result

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	closed bool

	submitted      atomic.Int64
	completed      atomic.Int64
	dropped        atomic.Int64
	resultsDropped atomic.Int64
}

// NewPool creates a blocking pool with the given worker count and queue size.
//
//	pool := worker.NewPool(ctx, 4, 100)
//	defer pool.Close()
//	results := pool.SubmitAndWait(ctx, jobs)
func NewPool(ctx context.Context, workers int, queueSize int) *Pool {
	return NewPoolWithConfig(ctx, PoolConfig{Workers: workers, QueueSize: queueSize})
}

// NewPoolWithConfig creates a pool and starts its workers
func NewPoolWithConfig(ctx context.Context, cfg PoolConfig) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}

	poolCtx, cancel := context.WithCancel(ctx)

	p := &Pool{
		workers:    cfg.Workers,
		dropPolicy: cfg.DropPolicy,
		queue:      make(chan task, cfg.QueueSize),
		results:    make(chan Result, cfg.QueueSize),
		ctx:        poolCtx,
		cancel:     cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}

	return p
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for {
		select {
		case <-p.ctx.Done():
			return
		case t, ok := <-p.queue:
			if !ok {
				return
			}
			value, err := t.job.Execute(p.ctx)
			p.completed.Add(1)

			res := Result{JobID: t.job.ID, Value: value, Err: err}
			if t.reply != nil {
				// reply channels are sized for their whole batch
				t.reply <- indexedResult{index: t.index, result: res}
				continue
			}
			select {
			case p.results <- res:
			default:
				p.resultsDropped.Add(1)
			}
		}
	}
}

func (p *Pool) enqueue(t task, block bool) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}
	if err := p.ctx.Err(); err != nil {
		return err
	}

	if !block {
		select {
		case p.queue <- t:
			p.submitted.Add(1)
			return nil
		default:
			p.dropped.Add(1)
			return ErrBackpressure
		}
	}

	select {
	case <-p.ctx.Done():
		return p.ctx.Err()
	case p.queue <- t:
		p.submitted.Add(1)
		return nil
	}
}

// Submit queues job; its result is delivered on Results().
// With DropPolicyNewest a full queue returns ErrBackpressure.
func (p *Pool) Submit(job Job) error {
	return p.enqueue(task{job: job}, p.dropPolicy == DropPolicyBlock)
}

// TrySubmit queues job without blocking
func (p *Pool) TrySubmit(job Job) error {
	return p.enqueue(task{job: job}, false)
}

// SubmitAndWait runs jobs and returns their results in submission order.
// Jobs that could not run (ctx done, pool closed) carry the cause in Err.
func (p *Pool) SubmitAndWait(ctx context.Context, jobs []Job) []Result {
	results := make([]Result, len(jobs))
	reply := make(chan indexedResult, len(jobs))

	pending := make(map[int]bool, len(jobs))
	for i, job := range jobs {
		results[i] = Result{JobID: job.ID}
		if err := p.enqueue(task{job: job, index: i, reply: reply}, true); err != nil {
			results[i].Err = err
			continue
		}
		pending[i] = true
	}

	for len(pending) > 0 {
		select {
		case r := <-reply:
			results[r.index] = r.result
			delete(pending, r.index)
		case <-ctx.Done():
			return markUnfinished(results, pending, ctx.Err())
		case <-p.ctx.Done():
			return markUnfinished(results, pending, ErrPoolClosed)
		}
	}

	return results
}

func markUnfinished(results []Result, pending map[int]bool, err error) []Result {
	for i := range pending {
		results[i].Err = err
	}
	return results
}

// Results returns the channel receiving results of Submit'ed jobs
func (p *Pool) Results() <-chan Result {
	return p.results
}

// Close stops accepting jobs, cancels running ones and waits for workers.
func (p *Pool) Close() {
	p.cancel()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()

	p.wg.Wait()
	close(p.results)
}

// Workers returns the number of workers in the pool.
func (p *Pool) Workers() int {
	return p.workers
}

// DropPolicy returns the configured drop policy
func (p *Pool) DropPolicy() DropPolicy {
	return p.dropPolicy
}

// QueueLen returns the number of jobs waiting in the queue.
func (p *Pool) QueueLen() int {
	return len(p.queue)
}

// Stats returns a snapshot of pool counters
func (p *Pool) Stats() Stats {
	return Stats{
		JobsSubmitted:  p.submitted.Load(),
		JobsCompleted:  p.completed.Load(),
		JobsDropped:    p.dropped.Load(),
		ResultsDropped: p.resultsDropped.Load(),
	}
}

// Package async runs offloaded callback work on a fixed set of workers.
package async

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/reactor/errs"
)

const component = "lib/async"

// Task is one unit of offloaded work. Its context ends when the submitter's context
// ends or the pool is shut down, whichever comes first.
type Task func(context.Context) error

// Option customises a Pool.
type Option func(*Pool)

// WithErrorHandler receives task errors and recovered panics. It runs on the worker.
func WithErrorHandler(fn func(error)) Option {
	return func(p *Pool) {
		if fn != nil {
			p.onError = fn
		}
	}
}

// Stats is a point-in-time view of pool activity.
type Stats struct {
	Workers   int    `json:"workers"`
	Queued    int    `json:"queued"`
	Running   int64  `json:"running"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Rejected  uint64 `json:"rejected"`
}

// Pool is a fixed-size worker pool. Submit never blocks: a task that finds no idle
// worker and no queue slot is rejected.
type Pool struct {
	size    int
	jobs    chan job
	onError func(error)

	stop     context.Context
	stopAll  context.CancelFunc
	workers  conc.WaitGroup
	inFlight sync.WaitGroup

	running   atomic.Int64
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64

	mu     sync.RWMutex
	closed bool
}

type job struct {
	ctx  context.Context
	task Task
}

// NewPool starts workers goroutines behind a queue of the given depth. A zero queue
// accepts a task only while some worker is idle.
func NewPool(workers, queue int, opts ...Option) (*Pool, error) {
	if workers <= 0 {
		return nil, errs.New(component, errs.CodeInvalid, errs.WithMessage("workers must be >0"))
	}
	stop, stopAll := context.WithCancel(context.Background())
	p := &Pool{
		size:    workers,
		jobs:    make(chan job, max(queue, 0)),
		onError: func(error) {},
		stop:    stop,
		stopAll: stopAll,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	for range workers {
		p.workers.Go(p.drain)
	}
	return p, nil
}

// Submit hands task to the pool. It fails with CodeUnavailable when the pool is
// closed or saturated.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	if task == nil {
		return errs.New(component, errs.CodeInvalid, errs.WithMessage("task must not be nil"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("submit: %w", err)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage("pool closed"))
	}
	p.inFlight.Add(1)
	select {
	case p.jobs <- job{ctx: ctx, task: task}:
		return nil
	default:
		p.inFlight.Done()
		p.rejected.Add(1)
		return errs.New(component, errs.CodeUnavailable, errs.WithMessage("pool at capacity"))
	}
}

// Stats reports current activity counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.size,
		Queued:    len(p.jobs),
		Running:   p.running.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}

// Close stops intake. Tasks already queued still run.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.jobs)
	}
}

// Shutdown closes the pool and waits for queued and running tasks. When ctx ends
// first, running tasks see their context cancelled and Shutdown returns ctx's error.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	idle := make(chan struct{})
	go func() {
		p.inFlight.Wait()
		p.workers.Wait()
		close(idle)
	}()
	defer p.stopAll()
	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pool shutdown: %w", ctx.Err())
	}
}

func (p *Pool) drain() {
	for j := range p.jobs {
		p.execute(j)
	}
}

func (p *Pool) execute(j job) {
	p.running.Add(1)
	ctx, cancel := context.WithCancel(j.ctx)
	unlink := context.AfterFunc(p.stop, cancel)
	defer func() {
		unlink()
		cancel()
		p.running.Add(-1)
		p.inFlight.Done()
	}()
	defer func() {
		if r := recover(); r != nil {
			p.failed.Add(1)
			p.onError(errs.New(component, errs.CodeUnavailable, errs.WithMessage(fmt.Sprintf("task panic: %v", r))))
		}
	}()

	if err := j.task(ctx); err != nil {
		p.failed.Add(1)
		p.onError(err)
		return
	}
	p.completed.Add(1)
}

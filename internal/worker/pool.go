// Package worker runs blocking store calls on a bounded pool of goroutines
// so that callers and stream consumers never block on I/O themselves.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var (
	ErrQueueFull = errors.New("task queue is full")
	ErrStopped   = errors.New("worker pool stopped")
	ErrPanic     = errors.New("task panicked")
)

// Config sizes the pool.
type Config struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

// DefaultConfig returns the pool size used when nothing is configured.
func DefaultConfig() Config {
	return Config{Workers: 4, QueueSize: 64}
}

// Validate checks that the pool can be built.
func (c Config) Validate() error {
	if c.Workers < 1 {
		return errors.New("workers must be greater than 0")
	}
	if c.QueueSize < 1 {
		return errors.New("queue size must be greater than 0")
	}
	return nil
}

// Stats is a point-in-time view of pool activity.
type Stats struct {
	Active    int64
	Pending   int64
	Completed int64
}

type task struct {
	ctx context.Context
	run func(ctx context.Context)
}

// Pool is a fixed set of workers fed by a bounded queue.
type Pool struct {
	tasks  chan task
	group  *errgroup.Group
	logger *zap.Logger

	mu      sync.RWMutex
	stopped bool

	active    atomic.Int64
	pending   atomic.Int64
	completed atomic.Int64
}

// New starts cfg.Workers workers.
func New(cfg Config, logger *zap.Logger) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pool{
		tasks:  make(chan task, cfg.QueueSize),
		group:  new(errgroup.Group),
		logger: logger,
	}
	for i := 0; i < cfg.Workers; i++ {
		p.group.Go(func() error {
			p.work()
			return nil
		})
	}
	logger.Debug("worker pool started",
		zap.Int("workers", cfg.Workers),
		zap.Int("queue_size", cfg.QueueSize),
	)
	return p, nil
}

// TrySubmit queues fn without blocking. It fails with ErrQueueFull when the
// queue is at capacity and ErrStopped after Stop.
func (p *Pool) TrySubmit(ctx context.Context, fn func(ctx context.Context)) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	p.pending.Add(1)
	select {
	case p.tasks <- task{ctx: ctx, run: fn}:
		return nil
	default:
		p.pending.Add(-1)
		return ErrQueueFull
	}
}

// Stop rejects new work, lets queued tasks finish and waits for the workers
// until ctx expires.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.tasks)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = p.group.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stop worker pool: %w", ctx.Err())
	}
}

// Stats reports current activity counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Active:    p.active.Load(),
		Pending:   p.pending.Load(),
		Completed: p.completed.Load(),
	}
}

func (p *Pool) work() {
	for t := range p.tasks {
		p.pending.Add(-1)
		p.active.Add(1)
		p.run(t)
		p.active.Add(-1)
		p.completed.Add(1)
	}
}

func (p *Pool) run(t task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("worker task panicked", zap.Any("panic", r))
		}
	}()
	start := time.Now()
	t.run(t.ctx)
	if d := time.Since(start); d > time.Second {
		p.logger.Debug("slow worker task", zap.Duration("elapsed", d))
	}
}

// Future is the pending result of a task submitted with Submit.
type Future[T any] struct {
	done chan struct{}
	val  T
	err  error
}

// Done is closed once the result is available.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Result returns the task's outcome. It must only be called after Done is
// closed.
func (f *Future[T]) Result() (T, error) {
	return f.val, f.err
}

// Wait blocks until the task finishes or ctx is done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.val, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Submit queues fn on p and returns a Future for its result. A panic inside
// fn is reported as ErrPanic.
func Submit[T any](p *Pool, ctx context.Context, fn func(ctx context.Context) (T, error)) (*Future[T], error) {
	f := &Future[T]{done: make(chan struct{})}
	err := p.TrySubmit(ctx, func(ctx context.Context) {
		defer close(f.done)
		defer func() {
			if r := recover(); r != nil {
				f.err = fmt.Errorf("%w: %v", ErrPanic, r)
			}
		}()
		f.val, f.err = fn(ctx)
	})
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Do runs fn on p and waits for its result.
func Do[T any](p *Pool, ctx context.Context, fn func(ctx context.Context) (T, error)) (T, error) {
	f, err := Submit(p, ctx, fn)
	if err != nil {
		var zero T
		return zero, err
	}
	return f.Wait(ctx)
}

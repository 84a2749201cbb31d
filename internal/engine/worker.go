package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// PoolMetrics tracks worker pool operational metrics.
type PoolMetrics struct {
	Queued    int64 `json:"queued"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// PanicHandler receives values recovered from panicking tasks.
type PanicHandler func(recovered any)

// WorkerPool is a bounded goroutine pool running one task per workflow run.
type WorkerPool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	mu      sync.Mutex
	closed  bool
	onPanic PanicHandler
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int, onPanic PanicHandler) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		sem:     make(chan struct{}, size),
		onPanic: onPanic,
	}
}

// Go enqueues fn without blocking the caller. The task waits for a slot in its
// own goroutine; it is dropped if ctx ends or the pool shuts down first.
func (p *WorkerPool) Go(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Queued, 1)
	p.mu.Unlock()

	go func() {
		select {
		case p.sem <- struct{}{}:
			atomic.AddInt64(&p.metrics.Queued, -1)
			atomic.AddInt64(&p.metrics.Active, 1)
			p.run(ctx, fn)
		case <-ctx.Done():
			atomic.AddInt64(&p.metrics.Queued, -1)
			atomic.AddInt64(&p.metrics.Failed, 1)
			p.wg.Done()
		}
	}()
	return nil
}

// run executes fn in the calling goroutine; the slot must already be held.
func (p *WorkerPool) run(ctx context.Context, fn func(ctx context.Context) error) {
	defer func() {
		if r := recover(); r != nil {
			atomic.AddInt64(&p.metrics.Panics, 1)
			atomic.AddInt64(&p.metrics.Failed, 1)
			if p.onPanic != nil {
				p.onPanic(r)
			}
		}
		atomic.AddInt64(&p.metrics.Active, -1)
		<-p.sem
		p.wg.Done()
	}()

	if err := fn(ctx); err != nil {
		atomic.AddInt64(&p.metrics.Failed, 1)
		return
	}
	atomic.AddInt64(&p.metrics.Completed, 1)
}

// Wait blocks until all queued and running work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting work and waits for running and queued tasks.
// Queued tasks still run; callers cancel their context to drop them.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the current pool metrics.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Queued:    atomic.LoadInt64(&p.metrics.Queued),
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}

package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/rendis/chartflow/pkg/schema"
)

// PoolMetrics counts work processed by a pool.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// WorkerPool bounds how many flow runs execute concurrently. Submissions
// past the bound block until a slot frees.
type WorkerPool struct {
	sem    chan struct{}
	wg     sync.WaitGroup
	done   chan struct{}
	logger *slog.Logger

	mu      sync.Mutex
	closed  bool
	metrics PoolMetrics
}

// NewWorkerPool creates a pool admitting up to size concurrent jobs.
func NewWorkerPool(size int, logger *slog.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &WorkerPool{
		sem:    make(chan struct{}, size),
		done:   make(chan struct{}),
		logger: logger,
	}
}

// Submit schedules fn on the pool. It blocks while the pool is full and
// fails if the pool has shut down or the context ends while waiting.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "worker pool is shut down")
	}
	p.wg.Add(1)
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-p.done:
		p.wg.Done()
		return schema.NewError(schema.ErrCodeConflict, "worker pool is shut down")
	case <-ctx.Done():
		p.wg.Done()
		return ctx.Err()
	}

	atomic.AddInt64(&p.metrics.Active, 1)

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				atomic.AddInt64(&p.metrics.Failed, 1)
				p.logger.Error("worker panic recovered", slog.Any("panic", rec))
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			<-p.sem
			p.wg.Done()
		}()

		if err := fn(ctx); err != nil {
			atomic.AddInt64(&p.metrics.Failed, 1)
		} else {
			atomic.AddInt64(&p.metrics.Completed, 1)
		}
	}()

	return nil
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown stops accepting work and waits for active jobs to finish.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
	}
}

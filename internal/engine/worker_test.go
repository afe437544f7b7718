package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rendis/chartflow/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPool_RunsSubmittedWork(t *testing.T) {
	pool := NewWorkerPool(4, nil)
	defer pool.Shutdown()

	var count atomic.Int64
	for range 10 {
		err := pool.Submit(context.Background(), func(context.Context) error {
			count.Add(1)
			return nil
		})
		require.NoError(t, err)
	}
	pool.Wait()

	assert.Equal(t, int64(10), count.Load())
	m := pool.Metrics()
	assert.Equal(t, int64(10), m.Completed)
	assert.Equal(t, int64(0), m.Failed)
}

func TestWorkerPool_BoundsConcurrency(t *testing.T) {
	pool := NewWorkerPool(2, nil)
	defer pool.Shutdown()

	var active, peak atomic.Int64
	var mu sync.Mutex

	for range 8 {
		err := pool.Submit(context.Background(), func(context.Context) error {
			cur := active.Add(1)
			mu.Lock()
			if cur > peak.Load() {
				peak.Store(cur)
			}
			mu.Unlock()
			time.Sleep(10 * time.Millisecond)
			active.Add(-1)
			return nil
		})
		require.NoError(t, err)
	}
	pool.Wait()

	assert.LessOrEqual(t, peak.Load(), int64(2))
}

func TestWorkerPool_CountsFailures(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	defer pool.Shutdown()

	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		return errors.New("boom")
	}))
	pool.Wait()

	assert.Equal(t, int64(1), pool.Metrics().Failed)
}

func TestWorkerPool_RecoversPanics(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	defer pool.Shutdown()

	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		panic("unexpected")
	}))
	pool.Wait()

	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(1), m.Failed)

	// The slot is released; the pool keeps working.
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error { return nil }))
	pool.Wait()
	assert.Equal(t, int64(1), pool.Metrics().Completed)
}

func TestWorkerPool_SubmitAfterShutdown(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	pool.Shutdown()

	err := pool.Submit(context.Background(), func(context.Context) error { return nil })
	require.Error(t, err)
	var fe *schema.FlowError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, schema.ErrCodeConflict, fe.Code)
}

func TestWorkerPool_SubmitHonorsContext(t *testing.T) {
	pool := NewWorkerPool(1, nil)
	defer pool.Shutdown()

	release := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(context.Context) error {
		<-release
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, func(context.Context) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	pool.Wait()
}

package balancer

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWorkerPoolRunsEveryTask tests that each index is handed out exactly once
func TestWorkerPoolRunsEveryTask(t *testing.T) {
	tests := []struct {
		name string
		size int
		n    int
	}{
		{"single worker", 1, 50},
		{"more workers than tasks", 16, 5},
		{"fewer workers than tasks", 4, 200},
		{"no tasks", 4, 0},
		{"zero parallelism means one", 0, 10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pool := NewWorkerPool(tt.size)
			defer pool.Close()

			seen := make([]int32, tt.n)
			err := pool.Run(context.Background(), tt.n, func(_ context.Context, i int) error {
				atomic.AddInt32(&seen[i], 1)
				return nil
			})
			require.NoError(t, err)
			for i, c := range seen {
				assert.Equal(t, int32(1), c, "task %d", i)
			}
		})
	}
}

// TestWorkerPoolBoundsConcurrency tests that no more than Size tasks overlap,
// even across concurrent Run calls
func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	pool := NewWorkerPool(3)
	defer pool.Close()
	assert.Equal(t, 3, pool.Size())

	var running, peak int32
	task := func(_ context.Context, _ int) error {
		cur := atomic.AddInt32(&running, 1)
		for {
			old := atomic.LoadInt32(&peak)
			if cur <= old || atomic.CompareAndSwapInt32(&peak, old, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&running, -1)
		return nil
	}

	var wg sync.WaitGroup
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, pool.Run(context.Background(), 10, task))
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(3))
	assert.GreaterOrEqual(t, atomic.LoadInt32(&peak), int32(1))
}

// TestWorkerPoolFailureCancelsSiblings tests fail-fast behaviour
func TestWorkerPoolFailureCancelsSiblings(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Close()

	boom := errors.New("boom")
	var cancelled int32

	err := pool.Run(context.Background(), 4, func(ctx context.Context, i int) error {
		if i == 0 {
			return boom
		}
		select {
		case <-ctx.Done():
			atomic.AddInt32(&cancelled, 1)
			return ctx.Err()
		case <-time.After(5 * time.Second):
			return nil
		}
	})

	require.ErrorIs(t, err, boom)
	assert.LessOrEqual(t, atomic.LoadInt32(&cancelled), int32(3))
}

// TestWorkerPoolRecoversPanics tests that a panicking task becomes an error
func TestWorkerPoolRecoversPanics(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Close()

	err := pool.Run(context.Background(), 3, func(_ context.Context, i int) error {
		if i == 1 {
			panic("bad task")
		}
		return nil
	})
	require.ErrorIs(t, err, ErrTaskPanic)
	assert.Contains(t, err.Error(), "bad task")

	// the pool is still usable
	require.NoError(t, pool.Run(context.Background(), 3, func(context.Context, int) error { return nil }))
}

// TestWorkerPoolCancelledContext tests that a dead context starts nothing
func TestWorkerPoolCancelledContext(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	var ran int32
	err := pool.Run(ctx, 10, func(context.Context, int) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, int32(0), atomic.LoadInt32(&ran))
}

// TestWorkerPoolClose tests shutdown semantics
func TestWorkerPoolClose(t *testing.T) {
	pool := NewWorkerPool(2)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- pool.Run(context.Background(), 1, func(context.Context, int) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	closed := make(chan struct{})
	go func() {
		pool.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned while a Run was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-done)
	<-closed

	err := pool.Run(context.Background(), 1, func(context.Context, int) error { return nil })
	assert.ErrorIs(t, err, ErrPoolClosed)

	// idempotent
	pool.Close()
}

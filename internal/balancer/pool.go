package balancer

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// WorkerPool bounds how many cost tasks run at once. One pool is built at
// startup, shared by every strategy call, and closed at shutdown.
//
// The bound is pool-wide: two concurrent Run calls share the same slots.
type WorkerPool struct {
	sem  *semaphore.Weighted
	size int

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup // in-flight Run calls
}

// NewWorkerPool creates a pool running at most parallelism tasks at a time.
// Values below 1 mean 1.
func NewWorkerPool(parallelism int) *WorkerPool {
	if parallelism < 1 {
		parallelism = 1
	}
	return &WorkerPool{
		sem:  semaphore.NewWeighted(int64(parallelism)),
		size: parallelism,
	}
}

// Size returns the configured parallelism.
func (p *WorkerPool) Size() int {
	return p.size
}

// Run executes fn(ctx, i) for every i in [0, n) and waits for all of them.
//
// The first task to fail cancels the context handed to the others, no further
// tasks are started, and that error is returned. A panic inside fn is
// recovered and reported as ErrTaskPanic. If ctx ends before every task was
// started, ctx's error is returned.
func (p *WorkerPool) Run(ctx context.Context, n int, fn func(ctx context.Context, i int) error) error {
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrPoolClosed
	}
	p.wg.Add(1)
	p.mu.RUnlock()
	defer p.wg.Done()

	g, gctx := errgroup.WithContext(ctx)

	var acquireErr error
	for i := 0; i < n; i++ {
		if err := p.sem.Acquire(gctx, 1); err != nil {
			acquireErr = err
			break
		}
		g.Go(func() (err error) {
			defer p.sem.Release(1)
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("%w: %v", ErrTaskPanic, r)
				}
			}()
			if err := gctx.Err(); err != nil {
				return err
			}
			return fn(gctx, i)
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return acquireErr
}

// Close rejects new work and waits for running Run calls to return.
// Close is idempotent.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.wg.Wait()
}

package execengine

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// limiter bounds how many agent processes run at once across all workers
// of this process.
type limiter struct {
	sem *semaphore.Weighted
}

func newLimiter(n int) *limiter {
	if n < 1 {
		return nil
	}
	return &limiter{sem: semaphore.NewWeighted(int64(n))}
}

// run acquires a slot, runs fn and releases the slot. A nil limiter runs
// fn directly. Waiting ends with ctx.Err() when ctx is cancelled.
func (l *limiter) run(ctx context.Context, fn func() error) error {
	if l == nil {
		return fn()
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer l.sem.Release(1)
	return fn()
}

// Package jobstore defines the port for the durable FIFO job table.
package jobstore

import (
	"context"

	"github.com/Strob0t/forgeline/internal/domain/job"
)

// Store persists jobs. Implementations must make ClaimNext atomic: two
// concurrent callers never receive the same job.
type Store interface {
	// Create inserts j in the queued state at the tail of the queue.
	Create(ctx context.Context, j *job.Job) error
	// ClaimNext moves the oldest queued job to running and returns it.
	// It returns (nil, nil) when nothing is queued.
	ClaimNext(ctx context.Context) (*job.Job, error)
	// Finish writes a terminal status to a running job. Writing the status
	// the job already has is a no-op; any other write over a terminal job
	// fails with domain.ErrConflict.
	Finish(ctx context.Context, id string, status job.Status) error
	// Cancel moves a queued or running job to cancelled.
	Cancel(ctx context.Context, id string) (*job.Job, error)
	// Get returns a snapshot of the job or domain.ErrNotFound.
	Get(ctx context.Context, id string) (*job.Job, error)
}

// Waker delivers a tick whenever another process enqueues work.
type Waker interface {
	Wake(ctx context.Context) (<-chan struct{}, error)
}

// Notifier announces new work to Wakers in other processes. Stores that
// notify as part of Create do not need one.
type Notifier interface {
	Notify(ctx context.Context) error
}

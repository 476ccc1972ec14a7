package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/forgeline/internal/domain"
	"github.com/Strob0t/forgeline/internal/domain/job"
	"github.com/Strob0t/forgeline/internal/domain/run"
)

// Worker pulls jobs off the queue and runs them to completion, one at a
// time.
type Worker struct {
	name           string
	queue          *JobQueue
	controller     *Controller
	dequeueTimeout time.Duration
}

// NewWorker creates a worker. name only appears in logs.
func NewWorker(name string, queue *JobQueue, controller *Controller, dequeueTimeout time.Duration) *Worker {
	if dequeueTimeout <= 0 {
		dequeueTimeout = 5 * time.Second
	}
	return &Worker{
		name:           name,
		queue:          queue,
		controller:     controller,
		dequeueTimeout: dequeueTimeout,
	}
}

// Run processes jobs until ctx is cancelled. A job in flight when ctx ends
// is failed with the cancellation error.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("worker started", "worker", w.name)
	defer slog.Info("worker stopped", "worker", w.name)

	for {
		j, err := w.queue.Dequeue(ctx, w.dequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Error("dequeue failed", "worker", w.name, "error", err)
			select {
			case <-ctx.Done():
				return nil
			case <-w.queue.clock.After(w.queue.poll):
			}
			continue
		}
		if j == nil {
			continue
		}
		w.process(ctx, j)
	}
}

// process runs one claimed job and records its outcome.
func (w *Worker) process(ctx context.Context, j *job.Job) {
	r, err := w.controller.Run(ctx, j)

	status, final := outcome(r, err)
	if !final {
		slog.Info("job left running", "worker", w.name, "job_id", j.ID, "reason", "paused")
		return
	}

	// The outcome is written even when the worker is shutting down.
	wctx := context.WithoutCancel(ctx)
	if cerr := w.queue.Complete(wctx, j.ID, status); cerr != nil {
		if errors.Is(cerr, domain.ErrConflict) {
			slog.Warn("job status changed while running", "worker", w.name, "job_id", j.ID,
				"status", status, "error", cerr)
			return
		}
		slog.Error("job completion failed", "worker", w.name, "job_id", j.ID, "error", cerr)
		return
	}
	slog.Info("job finished", "worker", w.name, "job_id", j.ID, "status", status)
}

// outcome maps a run result to the job status to record. final is false
// when the job should stay running.
func outcome(r *run.Run, err error) (status job.Status, final bool) {
	if err != nil || r == nil {
		return job.StatusFailed, true
	}
	switch r.Status {
	case run.StatusCompleted:
		return job.StatusCompleted, true
	case run.StatusCancelled:
		return job.StatusCancelled, true
	case run.StatusFailed:
		return job.StatusFailed, true
	}
	if r.Paused {
		return "", false
	}
	return job.StatusFailed, true
}

// RunPool runs n workers until ctx is cancelled and returns the first
// worker error.
func RunPool(ctx context.Context, n int, queue *JobQueue, controller *Controller, dequeueTimeout time.Duration) error {
	if n < 1 {
		return fmt.Errorf("%w: worker count must be >= 1", domain.ErrValidation)
	}
	g, gctx := errgroup.WithContext(ctx)
	for i := range n {
		w := NewWorker(fmt.Sprintf("worker-%d", i+1), queue, controller, dequeueTimeout)
		g.Go(func() error { return w.Run(gctx) })
	}
	g.Go(func() error { return queue.Listen(gctx) })
	return g.Wait()
}

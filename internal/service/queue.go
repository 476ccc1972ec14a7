package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/forgeline/internal/clock"
	"github.com/Strob0t/forgeline/internal/domain"
	"github.com/Strob0t/forgeline/internal/domain/event"
	"github.com/Strob0t/forgeline/internal/domain/job"
	"github.com/Strob0t/forgeline/internal/port/jobstore"
)

// EventPublisher is the part of the bus producers need.
type EventPublisher interface {
	Publish(ctx context.Context, ev event.AgentEvent)
}

// JobQueue is the FIFO of pending runs. Claims go through the store, which
// guarantees each job is handed out once; the queue adds blocking dequeue
// with local and cross-process wake-ups.
type JobQueue struct {
	store    jobstore.Store
	bus      EventPublisher
	clock    clock.Clock
	poll     time.Duration
	notifier jobstore.Notifier
	waker    jobstore.Waker

	mu    sync.Mutex
	ready chan struct{}
}

// NewJobQueue creates a queue over store. bus and clk may be nil.
func NewJobQueue(store jobstore.Store, bus EventPublisher, clk clock.Clock, poll time.Duration) *JobQueue {
	if clk == nil {
		clk = clock.Real{}
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &JobQueue{
		store: store,
		bus:   bus,
		clock: clk,
		poll:  poll,
		ready: make(chan struct{}),
	}
}

// SetNotifier announces enqueues to other processes.
func (q *JobQueue) SetNotifier(n jobstore.Notifier) { q.notifier = n }

// SetWaker lets enqueues in other processes wake local dequeuers. Listen
// must be running for it to take effect.
func (q *JobQueue) SetWaker(w jobstore.Waker) { q.waker = w }

// Enqueue validates spec, announces the run at step 0 and appends the job
// at the tail of the queue. The announcement precedes the insert so that
// it is ordered before any event of the run itself.
func (q *JobQueue) Enqueue(ctx context.Context, spec job.Spec) (*job.Job, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	now := q.clock.Now().UTC()
	j := &job.Job{
		ID:        uuid.NewString(),
		Status:    job.StatusQueued,
		Spec:      spec,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if q.bus != nil {
		q.bus.Publish(ctx, event.New(j.ID, spec.ProjectID, 0, &event.Status{
			Status:    event.StatusQueued,
			Message:   "Run queued",
			AgentKind: spec.AgentKind,
		}, now))
	}

	if err := q.store.Create(ctx, j); err != nil {
		if q.bus != nil {
			// Retract the announcement; the run will never start.
			q.bus.Publish(ctx, event.New(j.ID, spec.ProjectID, 1, &event.Error{
				Message: "Run could not be queued",
				Type:    "enqueue_failed",
			}, q.clock.Now()))
		}
		return nil, fmt.Errorf("enqueue job: %w", err)
	}
	q.broadcast()
	if q.notifier != nil {
		if err := q.notifier.Notify(ctx); err != nil {
			slog.Warn("enqueue notification failed", "job_id", j.ID, "error", err)
		}
	}

	slog.Info("job enqueued", "job_id", j.ID, "project_id", spec.ProjectID, "agent_kind", spec.AgentKind)
	return j, nil
}

// Dequeue claims the oldest queued job, waiting up to timeout for one to
// arrive. It returns (nil, nil) on timeout.
func (q *JobQueue) Dequeue(ctx context.Context, timeout time.Duration) (*job.Job, error) {
	deadline := q.clock.After(timeout)
	for {
		wake := q.wait()

		j, err := q.store.ClaimNext(ctx)
		if err != nil {
			return nil, fmt.Errorf("claim job: %w", err)
		}
		if j != nil {
			slog.Info("job claimed", "job_id", j.ID, "project_id", j.Spec.ProjectID)
			return j, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, nil
		case <-wake:
		case <-q.clock.After(q.poll):
		}
	}
}

// Complete writes the terminal status of a claimed job.
func (q *JobQueue) Complete(ctx context.Context, id string, status job.Status) error {
	if !status.IsTerminal() {
		return fmt.Errorf("%w: %q is not a terminal status", domain.ErrValidation, status)
	}
	if err := q.store.Finish(ctx, id, status); err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

// Stop cancels a queued or running job. A running job notices at its next
// session boundary.
func (q *JobQueue) Stop(ctx context.Context, id string) (*job.Job, error) {
	j, err := q.store.Cancel(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("stop job %s: %w", id, err)
	}
	slog.Info("job stop requested", "job_id", id, "status", j.Status)
	return j, nil
}

// Get returns a snapshot of the job.
func (q *JobQueue) Get(ctx context.Context, id string) (*job.Job, error) {
	return q.store.Get(ctx, id)
}

// Listen forwards cross-process wake-ups to local dequeuers until ctx ends.
func (q *JobQueue) Listen(ctx context.Context) error {
	if q.waker == nil {
		return nil
	}
	ticks, err := q.waker.Wake(ctx)
	if err != nil {
		return fmt.Errorf("listen for enqueues: %w", err)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-ticks:
			if !ok {
				return nil
			}
			q.broadcast()
		}
	}
}

// wait returns a channel closed on the next local enqueue.
func (q *JobQueue) wait() <-chan struct{} {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready
}

// broadcast wakes every goroutine blocked in Dequeue.
func (q *JobQueue) broadcast() {
	q.mu.Lock()
	close(q.ready)
	q.ready = make(chan struct{})
	q.mu.Unlock()
}

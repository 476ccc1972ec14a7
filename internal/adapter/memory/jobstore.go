// Package memory provides in-process implementations of the job store,
// replay log and fanout ports for single-process deployments and tests.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Strob0t/forgeline/internal/domain"
	"github.com/Strob0t/forgeline/internal/domain/job"
)

type jobEntry struct {
	mu  sync.Mutex
	job *job.Job
}

// JobStore is a FIFO job table. Only claims serialize on the queue lock;
// reads and terminal writes lock the single job they touch.
type JobStore struct {
	jobs sync.Map // id -> *jobEntry

	qmu   sync.Mutex
	queue []string

	now func() time.Time
}

// NewJobStore creates an empty store. now may be nil.
func NewJobStore(now func() time.Time) *JobStore {
	if now == nil {
		now = time.Now
	}
	return &JobStore{now: now}
}

// Create inserts j at the tail of the queue.
func (s *JobStore) Create(_ context.Context, j *job.Job) error {
	if j.ID == "" {
		return fmt.Errorf("%w: job id is required", domain.ErrValidation)
	}
	c := j.Clone()
	c.Status = job.StatusQueued
	if c.CreatedAt.IsZero() {
		c.CreatedAt = s.now().UTC()
	}
	c.UpdatedAt = c.CreatedAt

	s.qmu.Lock()
	defer s.qmu.Unlock()
	if _, loaded := s.jobs.LoadOrStore(c.ID, &jobEntry{job: c}); loaded {
		return fmt.Errorf("%w: job %s already exists", domain.ErrConflict, c.ID)
	}
	s.queue = append(s.queue, c.ID)
	return nil
}

// ClaimNext pops queued ids until it finds one still queued. Jobs cancelled
// while queued are skipped and discarded from the queue.
func (s *JobStore) ClaimNext(_ context.Context) (*job.Job, error) {
	s.qmu.Lock()
	defer s.qmu.Unlock()

	for len(s.queue) > 0 {
		id := s.queue[0]
		s.queue[0] = ""
		s.queue = s.queue[1:]

		e := s.entry(id)
		if e == nil {
			continue
		}
		e.mu.Lock()
		if e.job.Status != job.StatusQueued {
			e.mu.Unlock()
			continue
		}
		now := s.now().UTC()
		e.job.Status = job.StatusRunning
		e.job.ClaimedAt = &now
		e.job.UpdatedAt = now
		out := e.job.Clone()
		e.mu.Unlock()
		return out, nil
	}
	return nil, nil
}

// Finish writes a terminal status with compare-and-set semantics.
func (s *JobStore) Finish(_ context.Context, id string, status job.Status) error {
	e := s.entry(id)
	if e == nil {
		return fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	apply, err := job.ResolveFinish(e.job.Status, status)
	if err != nil || !apply {
		return err
	}
	now := s.now().UTC()
	e.job.Status = status
	e.job.FinishedAt = &now
	e.job.UpdatedAt = now
	return nil
}

// Cancel stops a queued or running job.
func (s *JobStore) Cancel(_ context.Context, id string) (*job.Job, error) {
	e := s.entry(id)
	if e == nil {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	apply, err := job.ResolveCancel(e.job.Status)
	if err != nil {
		return nil, err
	}
	if apply {
		now := s.now().UTC()
		e.job.Status = job.StatusCancelled
		e.job.FinishedAt = &now
		e.job.UpdatedAt = now
	}
	return e.job.Clone(), nil
}

// Get returns a snapshot of the job.
func (s *JobStore) Get(_ context.Context, id string) (*job.Job, error) {
	e := s.entry(id)
	if e == nil {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.job.Clone(), nil
}

// Len returns the number of jobs ever created.
func (s *JobStore) Len() int {
	n := 0
	s.jobs.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

func (s *JobStore) entry(id string) *jobEntry {
	v, ok := s.jobs.Load(id)
	if !ok {
		return nil
	}
	return v.(*jobEntry)
}

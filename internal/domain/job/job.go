// Package job defines the Job entity: a unit of queued work that starts one
// agent run.
package job

import (
	"fmt"
	"time"

	"github.com/Strob0t/forgeline/internal/domain"
	"github.com/Strob0t/forgeline/internal/domain/run"
)

// Status is the queue-level state of a job.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether s is a final state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Spec carries everything needed to start a run.
type Spec struct {
	ProjectID     string        `json:"project_id"`
	AgentKind     run.AgentKind `json:"agent_kind"`
	Model         string        `json:"model,omitempty"`
	MaxIterations int           `json:"max_iterations,omitempty"`
	SeedSpec      string        `json:"app_spec_content,omitempty"`
}

// Validate checks the job spec and fills the agent kind default.
func (s *Spec) Validate() error {
	if err := run.ValidateProjectID(s.ProjectID); err != nil {
		return err
	}
	if s.AgentKind == "" {
		s.AgentKind = run.KindCoding
	}
	if !run.ValidKind(s.AgentKind) {
		return fmt.Errorf("%w: invalid agent_kind %q", domain.ErrValidation, s.AgentKind)
	}
	if s.MaxIterations < 0 {
		return fmt.Errorf("%w: max_iterations must be non-negative", domain.ErrValidation)
	}
	return nil
}

// Job is a queued unit of work. The job id doubles as the run id.
type Job struct {
	ID         string     `json:"id"`
	Status     Status     `json:"status"`
	Spec       Spec       `json:"spec"`
	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ClaimedAt  *time.Time `json:"claimed_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// RunID returns the id of the run this job starts.
func (j *Job) RunID() string { return j.ID }

// Clone returns a copy safe to hand to callers outside the store.
func (j *Job) Clone() *Job {
	c := *j
	if j.ClaimedAt != nil {
		t := *j.ClaimedAt
		c.ClaimedAt = &t
	}
	if j.FinishedAt != nil {
		t := *j.FinishedAt
		c.FinishedAt = &t
	}
	return &c
}

// ResolveFinish decides the outcome of writing terminal status to over a job
// currently in cur. It returns apply=true when the write should happen,
// apply=false with nil error when it is a repeat of the same terminal write,
// and domain.ErrConflict otherwise.
func ResolveFinish(cur, to Status) (apply bool, err error) {
	if !to.IsTerminal() {
		return false, fmt.Errorf("%w: %q is not a terminal status", domain.ErrValidation, to)
	}
	switch {
	case cur == StatusRunning:
		return true, nil
	case cur == to:
		return false, nil
	default:
		return false, fmt.Errorf("%w: job is %s, cannot finish as %s", domain.ErrConflict, cur, to)
	}
}

// ResolveCancel decides the outcome of an external stop over a job in cur.
// Queued and running jobs are cancelled; a cancelled job is left as is.
func ResolveCancel(cur Status) (apply bool, err error) {
	switch cur {
	case StatusQueued, StatusRunning:
		return true, nil
	case StatusCancelled:
		return false, nil
	default:
		return false, fmt.Errorf("%w: job already %s", domain.ErrConflict, cur)
	}
}

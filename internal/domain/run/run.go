// Package run defines the AgentRun domain entity: one multi-session execution
// of an autonomous coding agent against a project.
package run

import (
	"fmt"
	"time"
)

// Status represents the lifecycle state of a run.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal reports whether no further transition is allowed from s.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// AgentKind selects the role the agent plays for the run.
type AgentKind string

const (
	KindInitializer AgentKind = "initializer"
	KindCoding      AgentKind = "coding"
	KindPlanner     AgentKind = "planner"
	KindQA          AgentKind = "qa"
)

// Run is the in-memory state of one agent run. It is owned by the controller
// goroutine executing it and must not be shared while that goroutine is alive.
type Run struct {
	ID                string     `json:"id"`
	ProjectID         string     `json:"project_id"`
	Kind              AgentKind  `json:"agent_kind"`
	Status            Status     `json:"status"`
	Step              int        `json:"step"`
	Model             string     `json:"model,omitempty"`
	MaxSessions       int        `json:"max_sessions,omitempty"`
	Session           int        `json:"session"`
	FeaturesCompleted int        `json:"features_completed"`
	CommitsMade       int        `json:"commits_made"`
	Paused            bool       `json:"paused,omitempty"`
	StartedAt         time.Time  `json:"started_at"`
	FinishedAt        *time.Time `json:"finished_at,omitempty"`
}

// New creates a run in the queued state.
func New(id, projectID string, kind AgentKind, model string, maxSessions int) *Run {
	return &Run{
		ID:          id,
		ProjectID:   projectID,
		Kind:        kind,
		Status:      StatusQueued,
		Model:       model,
		MaxSessions: maxSessions,
	}
}

// NextStep advances the step counter and returns the new value. The first
// call returns 1.
func (r *Run) NextStep() int {
	r.Step++
	return r.Step
}

// SessionLimitReached reports whether session index n exceeds the configured
// maximum. A zero maximum means unlimited.
func (r *Run) SessionLimitReached(n int) bool {
	return r.MaxSessions > 0 && n > r.MaxSessions
}

// Transition moves the run to the given status. Terminal runs are immutable.
func (r *Run) Transition(to Status, now time.Time) error {
	if r.Status.IsTerminal() {
		return fmt.Errorf("run %s: %s is terminal, cannot move to %s", r.ID, r.Status, to)
	}
	switch {
	case r.Status == StatusQueued && to == StatusRunning:
		r.StartedAt = now
	case r.Status == StatusQueued && to == StatusCancelled:
	case r.Status == StatusRunning && to.IsTerminal():
	default:
		return fmt.Errorf("run %s: invalid transition %s -> %s", r.ID, r.Status, to)
	}
	r.Status = to
	if to.IsTerminal() {
		t := now
		r.FinishedAt = &t
	}
	return nil
}

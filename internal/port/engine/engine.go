// Package engine defines the port to the agent execution engine: the
// component that performs one agent session and reports what it did.
package engine

import (
	"context"

	"github.com/Strob0t/forgeline/internal/domain/event"
	"github.com/Strob0t/forgeline/internal/domain/run"
)

// ActionKind tags the variant of an Action.
type ActionKind string

const (
	ActionMessage    ActionKind = "message"
	ActionToolCall   ActionKind = "tool_call"
	ActionToolResult ActionKind = "tool_result"
	ActionError      ActionKind = "error"
	ActionFeature    ActionKind = "feature"
	ActionCommit     ActionKind = "commit"
	ActionTest       ActionKind = "test"
)

// Action is one thing the agent did during a session. Only the fields of
// the variant named by Kind are meaningful.
type Action struct {
	Kind ActionKind `json:"type"`

	// message, error
	Text string `json:"text,omitempty"`

	// tool_call, tool_result
	CallID  string `json:"call_id,omitempty"`
	Tool    string `json:"tool,omitempty"`
	Input   string `json:"input,omitempty"`
	Output  string `json:"output,omitempty"`
	IsError bool   `json:"is_error,omitempty"`

	Feature *event.Feature `json:"feature,omitempty"`
	Commit  *event.Commit  `json:"commit,omitempty"`
	Test    *event.Test    `json:"test,omitempty"`
}

// Session describes one invocation of the engine.
type Session struct {
	RunID       string
	ProjectID   string
	Index       int
	Kind        run.AgentKind
	Model       string
	Initializer bool
	Prompt      string
	Dir         string
	Progress    run.Progress
}

// Handler receives actions in the order the agent performed them. A non-nil
// return aborts the session.
type Handler func(ctx context.Context, a Action) error

// Engine runs agent sessions. A returned error marks the session failed;
// the controller retries with the next session index.
type Engine interface {
	RunSession(ctx context.Context, s Session, h Handler) error
}

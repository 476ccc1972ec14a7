package event

import "github.com/Strob0t/forgeline/internal/domain/run"

// StatusValue is the lifecycle marker carried by a status event.
type StatusValue string

const (
	StatusQueued     StatusValue = "queued"
	StatusSetup      StatusValue = "setup"
	StatusRunning    StatusValue = "running"
	StatusRetry      StatusValue = "error"
	StatusContinuing StatusValue = "continuing"
	StatusPaused     StatusValue = "paused"
	StatusCancelled  StatusValue = "cancelled"
)

// Status reports a lifecycle change of the run.
type Status struct {
	Status      StatusValue   `json:"status"`
	Message     string        `json:"message,omitempty"`
	Session     int           `json:"session,omitempty"`
	Progress    *run.Progress `json:"progress,omitempty"`
	Initializer bool          `json:"isInitializer,omitempty"`
	AgentKind   run.AgentKind `json:"agentKind,omitempty"`
}

// Kind implements Payload.
func (*Status) Kind() Kind { return KindStatus }

// ToolCall reports that the agent invoked a tool.
type ToolCall struct {
	CallID string `json:"callId,omitempty"`
	Tool   string `json:"tool"`
	Input  string `json:"input,omitempty"`
}

func (*ToolCall) Kind() Kind { return KindToolCall }

// ToolResult reports the outcome of a tool invocation. Blocked marks a call
// the execution layer refused to run.
type ToolResult struct {
	CallID  string `json:"callId,omitempty"`
	Output  string `json:"output,omitempty"`
	Blocked bool   `json:"blocked,omitempty"`
	IsError bool   `json:"isError,omitempty"`
}

func (*ToolResult) Kind() Kind { return KindToolResult }

// Message is free-form agent text.
type Message struct {
	Text string `json:"text"`
}

func (*Message) Kind() Kind { return KindMessage }

// FeatureAction describes what happened to a ledger feature.
type FeatureAction string

const (
	FeatureStarted   FeatureAction = "started"
	FeatureCompleted FeatureAction = "completed"
	FeatureFailed    FeatureAction = "failed"
)

// Feature reports work on a single ledger entry.
type Feature struct {
	Action    FeatureAction `json:"action"`
	FeatureID string        `json:"featureId,omitempty"`
	Name      string        `json:"name,omitempty"`
}

func (*Feature) Kind() Kind { return KindFeature }

// Commit reports a commit made by the agent.
type Commit struct {
	SHA          string `json:"sha"`
	Message      string `json:"message,omitempty"`
	FilesChanged int    `json:"filesChanged,omitempty"`
}

func (*Commit) Kind() Kind { return KindCommit }

// Test reports a test run against a feature.
type Test struct {
	FeatureID  string `json:"featureId,omitempty"`
	Name       string `json:"name,omitempty"`
	Passed     bool   `json:"passed"`
	DurationMS int64  `json:"durationMs,omitempty"`
}

func (*Test) Kind() Kind { return KindTest }

// Error reports a failure. Type names the failure class.
type Error struct {
	Message string `json:"message"`
	Type    string `json:"type,omitempty"`
	Output  string `json:"output,omitempty"`
}

func (*Error) Kind() Kind { return KindError }

// Complete is the final event of a successful run.
type Complete struct {
	Message           string       `json:"message,omitempty"`
	FeaturesCompleted int          `json:"featuresCompleted"`
	CommitsMade       int          `json:"commitsMade"`
	Sessions          int          `json:"sessions"`
	Progress          run.Progress `json:"progress"`
}

func (*Complete) Kind() Kind { return KindComplete }

// Package simulated provides a deterministic agent engine for demos and
// tests. It keeps a real feature ledger in the project directory and
// implements one feature per coding session.
package simulated

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Strob0t/forgeline/internal/adapter/fsworkspace"
	"github.com/Strob0t/forgeline/internal/clock"
	"github.com/Strob0t/forgeline/internal/domain/event"
	"github.com/Strob0t/forgeline/internal/port/engine"
)

// ErrNoLedger is returned by a coding session in a project that was never
// initialized.
var ErrNoLedger = errors.New("simulated: project has no feature ledger")

// Engine implements engine.Engine.
type Engine struct {
	features  int
	stepDelay time.Duration
	clock     clock.Clock
}

// New returns an engine whose initializer creates a ledger of features
// entries. stepDelay paces the emitted actions.
func New(features int, stepDelay time.Duration, clk clock.Clock) *Engine {
	if features < 1 {
		features = 1
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Engine{features: features, stepDelay: stepDelay, clock: clk}
}

// RunSession implements engine.Engine.
func (e *Engine) RunSession(ctx context.Context, s engine.Session, h engine.Handler) error {
	slog.DebugContext(ctx, "simulated session", "project_id", s.ProjectID, "session", s.Index, "initializer", s.Initializer)
	if s.Initializer {
		return e.initialize(ctx, s, h)
	}
	return e.implementNext(ctx, s, h)
}

func (e *Engine) initialize(ctx context.Context, s engine.Session, h engine.Handler) error {
	steps := []engine.Action{
		toolCall("init-1", "bash", "mkdir -p src tests"),
		toolResult("init-1", "Created directories"),
		toolCall("init-2", "write", fmt.Sprintf("Creating %s with %d test cases...", fsworkspace.LedgerFile, e.features)),
	}
	if err := e.play(ctx, h, steps); err != nil {
		return err
	}

	fs := make([]fsworkspace.Feature, e.features)
	for i := range fs {
		fs[i] = fsworkspace.Feature{ID: i + 1, Name: "Feature " + strconv.Itoa(i+1)}
	}
	if err := fsworkspace.WriteFeatures(s.Dir, fs); err != nil {
		return fmt.Errorf("create ledger: %w", err)
	}

	return e.play(ctx, h, []engine.Action{
		toolResult("init-2", "Created "+fsworkspace.LedgerFile),
		toolCall("init-3", "bash", "git init && git add . && git commit -m 'Initial commit'"),
		toolResult("init-3", "Initialized git repository"),
		{Kind: engine.ActionCommit, Commit: &event.Commit{SHA: shortSHA(), Message: "Initial commit", FilesChanged: 2}},
		{Kind: engine.ActionMessage, Text: fmt.Sprintf("Project initialized with %d features", e.features)},
	})
}

func (e *Engine) implementNext(ctx context.Context, s engine.Session, h engine.Handler) error {
	fs, err := fsworkspace.ReadFeatures(s.Dir)
	if errors.Is(err, os.ErrNotExist) {
		return ErrNoLedger
	}
	if err != nil {
		return err
	}

	next := -1
	for i, f := range fs {
		if !f.Passes {
			next = i
			break
		}
	}
	if next < 0 {
		return e.play(ctx, h, []engine.Action{{Kind: engine.ActionMessage, Text: "All features already pass"}})
	}
	f := fs[next]
	id := strconv.Itoa(f.ID)

	steps := []engine.Action{
		{Kind: engine.ActionFeature, Feature: &event.Feature{Action: event.FeatureStarted, FeatureID: id, Name: f.Name}},
		toolCall("read-"+id, "read", fmt.Sprintf("Reading feature #%d requirements...", f.ID)),
		toolResult("read-"+id, "Requirements loaded"),
		toolCall("write-"+id, "write", fmt.Sprintf("Implementing feature #%d...", f.ID)),
		toolResult("write-"+id, "Implementation complete"),
		toolCall("test-"+id, "bash", "npm test"),
		toolResult("test-"+id, "1 passing"),
		{Kind: engine.ActionTest, Test: &event.Test{FeatureID: id, Name: f.Name, Passed: true, DurationMS: 1234}},
	}
	if err := e.play(ctx, h, steps); err != nil {
		return err
	}

	fs[next].Passes = true
	if err := fsworkspace.WriteFeatures(s.Dir, fs); err != nil {
		return fmt.Errorf("update ledger: %w", err)
	}

	return e.play(ctx, h, []engine.Action{
		{Kind: engine.ActionCommit, Commit: &event.Commit{SHA: shortSHA(), Message: fmt.Sprintf("feat: implement feature #%d", f.ID), FilesChanged: 3}},
		{Kind: engine.ActionFeature, Feature: &event.Feature{Action: event.FeatureCompleted, FeatureID: id, Name: f.Name}},
	})
}

func (e *Engine) play(ctx context.Context, h engine.Handler, actions []engine.Action) error {
	for _, a := range actions {
		if e.stepDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-e.clock.After(e.stepDelay):
			}
		}
		if err := h(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

func toolCall(id, tool, input string) engine.Action {
	return engine.Action{Kind: engine.ActionToolCall, CallID: id, Tool: tool, Input: input}
}

func toolResult(id, output string) engine.Action {
	return engine.Action{Kind: engine.ActionToolResult, CallID: id, Output: output}
}

func shortSHA() string {
	return uuid.NewString()[:7]
}

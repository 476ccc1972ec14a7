package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/forgeline/internal/adapter/memory"
	"github.com/Strob0t/forgeline/internal/clock"
	"github.com/Strob0t/forgeline/internal/domain/event"
	"github.com/Strob0t/forgeline/internal/domain/job"
	"github.com/Strob0t/forgeline/internal/domain/run"
	"github.com/Strob0t/forgeline/internal/port/engine"
	"github.com/Strob0t/forgeline/internal/port/eventstore"
	"github.com/Strob0t/forgeline/internal/port/workspace"
	"github.com/Strob0t/forgeline/internal/service"
)

var epoch = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

// --- engine ---

type sessionFunc func(ctx context.Context, s engine.Session, h engine.Handler) error

// scriptEngine runs script[i] for the i-th session it sees. Sessions past
// the end of the script succeed without actions.
type scriptEngine struct {
	mu       sync.Mutex
	script   []sessionFunc
	sessions []engine.Session
}

func (e *scriptEngine) RunSession(ctx context.Context, s engine.Session, h engine.Handler) error {
	e.mu.Lock()
	i := len(e.sessions)
	e.sessions = append(e.sessions, s)
	var fn sessionFunc
	if i < len(e.script) {
		fn = e.script[i]
	}
	e.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx, s, h)
}

func (e *scriptEngine) seen() []engine.Session {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]engine.Session, len(e.sessions))
	copy(out, e.sessions)
	return out
}

// implementOne reports one completed feature and one commit.
func implementOne(ctx context.Context, s engine.Session, h engine.Handler) error {
	actions := []engine.Action{
		{Kind: engine.ActionFeature, Feature: &event.Feature{Action: event.FeatureStarted, FeatureID: "f"}},
		{Kind: engine.ActionMessage, Text: "working"},
		{Kind: engine.ActionFeature, Feature: &event.Feature{Action: event.FeatureCompleted, FeatureID: "f"}},
		{Kind: engine.ActionCommit, Commit: &event.Commit{SHA: "abc123", Message: "feat"}},
	}
	for _, a := range actions {
		if err := h(ctx, a); err != nil {
			return err
		}
	}
	return nil
}

func failSession(context.Context, engine.Session, engine.Handler) error {
	return errors.New("agent crashed")
}

// --- ledger ---

// seqLedger returns seq[i] on the i-th read and the last entry afterwards.
type seqLedger struct {
	mu    sync.Mutex
	seq   []run.Progress
	err   error
	reads int
}

func (l *seqLedger) Progress(context.Context, string) (run.Progress, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reads++
	if l.err != nil {
		return run.Progress{}, l.err
	}
	if len(l.seq) == 0 {
		return run.Progress{}, nil
	}
	i := l.reads - 1
	if i >= len(l.seq) {
		i = len(l.seq) - 1
	}
	return l.seq[i], nil
}

func progress(total, passing int) run.Progress { return run.NewProgress(total, passing) }

// --- workspace ---

type fakeWorkspace struct {
	wrote, fresh bool
	err          error
	prepared     []string
}

func (w *fakeWorkspace) Prepare(_ context.Context, projectID, _ string) (bool, bool, error) {
	w.prepared = append(w.prepared, projectID)
	return w.wrote, w.fresh, w.err
}

func (w *fakeWorkspace) Dir(projectID string) string { return "/work/" + projectID }

// --- job reader ---

type fixedJobs struct {
	mu     sync.Mutex
	status job.Status
}

func (f *fixedJobs) set(s job.Status) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
}

func (f *fixedJobs) Get(_ context.Context, id string) (*job.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &job.Job{ID: id, Status: f.status}, nil
}

// --- harness ---

type harness struct {
	clock   *clock.Fake // nil for wall-clock harnesses
	cfg     service.RunnerConfig
	history *memory.History
	fanout  *memory.Fanout
	bus     *service.EventBus
	store   *memory.JobStore
	queue   *service.JobQueue

	ctrlClock clock.Clock
}

// newHarness wires the services over memory adapters and an auto-advancing
// virtual clock, so run delays cost no wall time.
func newHarness(t *testing.T) *harness {
	t.Helper()
	c := clock.NewAutoFake(epoch)
	h := build(t, c, runnerCfg)
	h.clock = c
	return h
}

// newWallHarness uses the wall clock and no run delays. Worker loops poll,
// which would race an auto-advancing clock past the history TTL.
func newWallHarness(t *testing.T) *harness {
	t.Helper()
	cfg := runnerCfg
	cfg.RetryBackoff, cfg.ContinueDelay = 0, 0
	return build(t, clock.Real{}, cfg)
}

func build(t *testing.T, c clock.Clock, cfg service.RunnerConfig) *harness {
	h := &harness{
		cfg:     cfg,
		history: memory.NewHistory(c.Now),
		fanout:  memory.NewFanout(),
		store:   memory.NewJobStore(c.Now),
	}
	h.bus = service.NewEventBus(h.history, h.fanout, nil, nil, c, service.BusConfig{
		Retention:        eventstore.Retention{TTL: time.Hour, MaxEvents: 1000},
		SubscriberBuffer: 64,
	})
	h.queue = service.NewJobQueue(h.store, h.bus, c, 10*time.Millisecond)
	t.Cleanup(func() { _ = h.bus.Close() })
	h.ctrlClock = c
	return h
}

var runnerCfg = service.RunnerConfig{
	RetryBackoff:  7 * time.Second,
	ContinueDelay: 3 * time.Second,
	DefaultModel:  "test-model",
}

func (h *harness) controller(eng engine.Engine, led *seqLedger, ws *fakeWorkspace, jobs service.JobReader) *service.Controller {
	var prep workspace.Preparer
	if ws != nil {
		prep = ws
	}
	return service.NewController(h.bus, jobs, eng, led, prep, h.ctrlClock, nil, h.cfg)
}

func (h *harness) events(t *testing.T, runID string) []event.AgentEvent {
	t.Helper()
	evs, err := h.bus.History(context.Background(), runID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	return evs
}

func newJob(id string, maxIterations int) *job.Job {
	return &job.Job{
		ID:     id,
		Status: job.StatusRunning,
		Spec: job.Spec{
			ProjectID:     "proj",
			AgentKind:     run.KindCoding,
			MaxIterations: maxIterations,
		},
	}
}

// assertGapless checks that run events are numbered 1..n without holes.
func assertGapless(t *testing.T, evs []event.AgentEvent) {
	t.Helper()
	for i, ev := range evs {
		if ev.Step != i+1 {
			t.Fatalf("event %d has step %d, want %d (kinds %v)", i, ev.Step, i+1, kinds(evs))
		}
	}
}

func kinds(evs []event.AgentEvent) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = string(ev.Kind())
		if s, ok := ev.Payload.(*event.Status); ok {
			out[i] += ":" + string(s.Status)
		}
	}
	return out
}

func statuses(evs []event.AgentEvent) []*event.Status {
	var out []*event.Status
	for _, ev := range evs {
		if s, ok := ev.Payload.(*event.Status); ok {
			out = append(out, s)
		}
	}
	return out
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

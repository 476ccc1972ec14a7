package service

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/Strob0t/forgeline/internal/adapter/otel"
	"github.com/Strob0t/forgeline/internal/clock"
	"github.com/Strob0t/forgeline/internal/domain/event"
	"github.com/Strob0t/forgeline/internal/domain/job"
	"github.com/Strob0t/forgeline/internal/domain/run"
	"github.com/Strob0t/forgeline/internal/logger"
	"github.com/Strob0t/forgeline/internal/port/engine"
	"github.com/Strob0t/forgeline/internal/port/ledger"
	"github.com/Strob0t/forgeline/internal/port/workspace"
)

// RunnerConfig tunes the session loop.
type RunnerConfig struct {
	RetryBackoff   time.Duration
	ContinueDelay  time.Duration
	SessionTimeout time.Duration
	DefaultModel   string
	Prompts        Prompts
}

// JobReader reads the stored state of a job.
type JobReader interface {
	Get(ctx context.Context, id string) (*job.Job, error)
}

// Controller drives runs through their sessions. One Controller serves
// many runs concurrently; all per-run state lives in a runner.
type Controller struct {
	bus       EventPublisher
	jobs      JobReader
	engine    engine.Engine
	ledger    ledger.Reader
	workspace workspace.Preparer
	clock     clock.Clock
	metrics   *otel.Metrics
	cfg       RunnerConfig
}

// NewController wires a controller. jobs, ws, clk and metrics may be nil.
func NewController(
	bus EventPublisher,
	jobs JobReader,
	eng engine.Engine,
	led ledger.Reader,
	ws workspace.Preparer,
	clk clock.Clock,
	metrics *otel.Metrics,
	cfg RunnerConfig,
) *Controller {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Controller{
		bus:       bus,
		jobs:      jobs,
		engine:    eng,
		ledger:    led,
		workspace: ws,
		clock:     clk,
		metrics:   metrics,
		cfg:       cfg,
	}
}

// Run executes the run started by j until it completes, is cancelled,
// pauses at its session limit, or fails. A paused run is returned with
// status running and Paused set. Any returned error has already been
// reported as an error event and the run marked failed.
func (c *Controller) Run(ctx context.Context, j *job.Job) (r *run.Run, err error) {
	model := j.Spec.Model
	if model == "" {
		model = c.cfg.DefaultModel
	}
	r = run.New(j.RunID(), j.Spec.ProjectID, j.Spec.AgentKind, model, j.Spec.MaxIterations)
	rn := &runner{c: c, job: j, run: r}

	ctx = logger.WithRunID(ctx, r.ID)
	ctx, span := otel.StartRunSpan(ctx, r.ID, r.ProjectID, string(r.Kind))

	defer func() {
		if p := recover(); p != nil {
			err = &PanicError{Value: p, Stack: debug.Stack()}
			slog.ErrorContext(ctx, "run panicked", "panic", p, "stack", string(debug.Stack()))
		}
		if err != nil {
			rn.fail(ctx, err)
		}
		otel.EndSpan(span, err)
		c.finished(ctx, r)
	}()

	if err := r.Transition(run.StatusRunning, c.clock.Now()); err != nil {
		return r, err
	}
	c.metrics.RunStarted(ctx, string(r.Kind))
	slog.InfoContext(ctx, "run started", "project_id", r.ProjectID, "agent_kind", r.Kind,
		"model", r.Model, "max_sessions", r.MaxSessions)

	return r, rn.loop(ctx)
}

func (c *Controller) finished(ctx context.Context, r *run.Run) {
	switch {
	case r.Status.IsTerminal():
		var secs float64
		if r.FinishedAt != nil {
			secs = r.FinishedAt.Sub(r.StartedAt).Seconds()
		}
		c.metrics.RunFinished(ctx, string(r.Status), secs)
		slog.InfoContext(ctx, "run finished", "status", r.Status, "sessions", r.Session,
			"features_completed", r.FeaturesCompleted, "commits_made", r.CommitsMade, "steps", r.Step)
	case r.Paused:
		c.metrics.RunPaused(ctx)
		slog.InfoContext(ctx, "run paused", "sessions", r.Session, "steps", r.Step)
	}
}

// phase is a position in the session loop.
type phase int

const (
	phaseSetup phase = iota
	phaseCheck
	phaseSession
	phaseDone
)

// transition names the next phase and how long to wait before entering it.
type transition struct {
	next  phase
	after time.Duration
}

// runner holds the state of one run. It is confined to the goroutine
// executing Controller.Run.
type runner struct {
	c           *Controller
	job         *job.Job
	run         *run.Run
	session     int
	initializer bool
	dir         string
	snapshot    run.Progress
}

func (rn *runner) loop(ctx context.Context) error {
	t := transition{next: phaseSetup}
	for t.next != phaseDone {
		if t.after > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-rn.c.clock.After(t.after):
			}
		}

		var err error
		switch t.next {
		case phaseSetup:
			t, err = rn.setup(ctx)
		case phaseCheck:
			t, err = rn.check(ctx)
		case phaseSession:
			t, err = rn.runSession(ctx)
		default:
			err = fmt.Errorf("unknown run phase %d", t.next)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// setup prepares the workspace and decides whether the first session
// initializes the project.
func (rn *runner) setup(ctx context.Context) (transition, error) {
	rn.initializer = rn.run.Kind == run.KindInitializer

	if ws := rn.c.workspace; ws != nil {
		wrote, fresh, err := ws.Prepare(ctx, rn.run.ProjectID, rn.job.Spec.SeedSpec)
		if err != nil {
			return transition{}, fmt.Errorf("prepare workspace: %w", err)
		}
		rn.dir = ws.Dir(rn.run.ProjectID)
		if fresh {
			rn.initializer = true
		}
		if wrote {
			rn.emit(ctx, &event.Status{Status: event.StatusSetup, Message: "Created app_spec.txt"})
		}
	}
	return transition{next: phaseCheck}, nil
}

// check runs at every session boundary: cancellation, session limit and
// completion are decided here, in that order.
func (rn *runner) check(ctx context.Context) (transition, error) {
	rn.session++
	r := rn.run

	if rn.cancelled(ctx) {
		if err := r.Transition(run.StatusCancelled, rn.c.clock.Now()); err != nil {
			return transition{}, err
		}
		rn.emit(ctx, &event.Status{Status: event.StatusCancelled, Message: "Run cancelled"})
		return transition{next: phaseDone}, nil
	}

	if r.SessionLimitReached(rn.session) {
		r.Paused = true
		rn.emit(ctx, &event.Status{
			Status:  event.StatusPaused,
			Message: fmt.Sprintf("Reached max iterations (%d)", r.MaxSessions),
		})
		return transition{next: phaseDone}, nil
	}

	p := rn.progress(ctx)
	if p.Done() {
		if err := r.Transition(run.StatusCompleted, rn.c.clock.Now()); err != nil {
			return transition{}, err
		}
		rn.emit(ctx, &event.Complete{
			Message:           "All features passing",
			FeaturesCompleted: r.FeaturesCompleted,
			CommitsMade:       r.CommitsMade,
			Sessions:          r.Session,
			Progress:          p,
		})
		return transition{next: phaseDone}, nil
	}

	rn.snapshot = p
	return transition{next: phaseSession}, nil
}

// runSession invokes the engine once. Engine failures are retried with the
// next session index after the retry backoff.
func (rn *runner) runSession(ctx context.Context) (transition, error) {
	n := rn.session
	r := rn.run
	r.Session = n
	initializer := rn.initializer
	rn.initializer = false

	snapshot := rn.snapshot
	rn.emit(ctx, &event.Status{
		Status:      event.StatusRunning,
		Message:     fmt.Sprintf("Starting session %d", n),
		Session:     n,
		Progress:    &snapshot,
		Initializer: initializer,
	})
	slog.InfoContext(ctx, "session started", "session", n, "initializer", initializer,
		"total", snapshot.Total, "passing", snapshot.Passing)

	sctx, span := otel.StartSessionSpan(ctx, r.ID, n, initializer)
	var cancel context.CancelFunc = func() {}
	if rn.c.cfg.SessionTimeout > 0 {
		sctx, cancel = context.WithTimeout(sctx, rn.c.cfg.SessionTimeout)
	}
	rn.c.metrics.SessionStarted(ctx)
	err := rn.c.engine.RunSession(sctx, engine.Session{
		RunID:       r.ID,
		ProjectID:   r.ProjectID,
		Index:       n,
		Kind:        r.Kind,
		Model:       r.Model,
		Initializer: initializer,
		Prompt:      rn.c.cfg.Prompts.For(r.Kind, initializer),
		Dir:         rn.dir,
		Progress:    snapshot,
	}, rn.handle)
	cancel()
	otel.EndSpan(span, err)

	if ctx.Err() != nil {
		return transition{}, ctx.Err()
	}
	if err != nil {
		rn.c.metrics.SessionFailed(ctx)
		slog.WarnContext(ctx, "session failed", "session", n, "error", err)
		rn.emit(ctx, &event.Status{
			Status:  event.StatusRetry,
			Message: fmt.Sprintf("Session %d failed, will retry...", n),
			Session: n,
		})
		return transition{next: phaseCheck, after: rn.c.cfg.RetryBackoff}, nil
	}

	rn.emit(ctx, &event.Status{
		Status:  event.StatusContinuing,
		Message: fmt.Sprintf("Session %d complete, continuing in %s...", n, rn.c.cfg.ContinueDelay),
		Session: n,
	})
	return transition{next: phaseCheck, after: rn.c.cfg.ContinueDelay}, nil
}

// handle turns one engine action into events, in order.
func (rn *runner) handle(ctx context.Context, a engine.Action) error {
	payloads, ok := translate(a)
	if !ok {
		slog.WarnContext(ctx, "ignoring unknown engine action", "kind", a.Kind)
		return nil
	}
	for _, p := range payloads {
		switch v := p.(type) {
		case *event.Feature:
			if v.Action == event.FeatureCompleted {
				rn.run.FeaturesCompleted++
			}
		case *event.Commit:
			rn.run.CommitsMade++
		}
		rn.emit(ctx, p)
	}
	return nil
}

// progress reads the ledger. A failed read counts as an empty ledger.
func (rn *runner) progress(ctx context.Context) run.Progress {
	p, err := rn.c.ledger.Progress(ctx, rn.run.ProjectID)
	if err != nil {
		slog.WarnContext(ctx, "ledger read failed, assuming empty", "error", err)
		return run.Progress{}
	}
	return p
}

// cancelled reports whether the job was stopped externally. Lookup errors
// are logged and treated as not cancelled.
func (rn *runner) cancelled(ctx context.Context) bool {
	if rn.c.jobs == nil {
		return false
	}
	j, err := rn.c.jobs.Get(ctx, rn.run.ID)
	if err != nil {
		slog.WarnContext(ctx, "job status lookup failed", "error", err)
		return false
	}
	return j.Status == job.StatusCancelled
}

// fail marks the run failed and reports err as the run's last event.
func (rn *runner) fail(ctx context.Context, err error) {
	r := rn.run
	if r.Status.IsTerminal() {
		return
	}
	if r.Status == run.StatusQueued {
		_ = r.Transition(run.StatusRunning, rn.c.clock.Now())
	}
	_ = r.Transition(run.StatusFailed, rn.c.clock.Now())
	slog.ErrorContext(ctx, "run failed", "error", err)
	rn.emit(ctx, &event.Error{Message: err.Error(), Type: errorType(err)})
}

func (rn *runner) emit(ctx context.Context, p event.Payload) {
	r := rn.run
	rn.c.bus.Publish(ctx, event.New(r.ID, r.ProjectID, r.NextStep(), p, rn.c.clock.Now()))
}

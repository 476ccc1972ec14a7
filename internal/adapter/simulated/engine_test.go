package simulated

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/Strob0t/forgeline/internal/adapter/fsworkspace"
	"github.com/Strob0t/forgeline/internal/domain/event"
	"github.com/Strob0t/forgeline/internal/port/engine"
)

type recorder struct{ actions []engine.Action }

func (r *recorder) handle(_ context.Context, a engine.Action) error {
	r.actions = append(r.actions, a)
	return nil
}

func (r *recorder) kinds() map[engine.ActionKind]int {
	out := map[engine.ActionKind]int{}
	for _, a := range r.actions {
		out[a.Kind]++
	}
	return out
}

func TestInitializeCreatesLedger(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "proj")
	e := New(3, 0, nil)
	rec := &recorder{}

	if err := e.RunSession(context.Background(), engine.Session{Dir: dir, Initializer: true, Index: 1}, rec.handle); err != nil {
		t.Fatal(err)
	}
	fs, err := fsworkspace.ReadFeatures(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(fs) != 3 || fs[0].Passes {
		t.Fatalf("ledger = %+v", fs)
	}
	if k := rec.kinds(); k[engine.ActionToolCall] != 3 || k[engine.ActionToolResult] != 3 {
		t.Fatalf("action kinds = %v", k)
	}
}

func TestCodingSessionsCompleteOneFeatureEach(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "proj")
	e := New(2, 0, nil)
	ctx := context.Background()
	if err := e.RunSession(ctx, engine.Session{Dir: dir, Initializer: true}, (&recorder{}).handle); err != nil {
		t.Fatal(err)
	}

	for i := 1; i <= 2; i++ {
		rec := &recorder{}
		if err := e.RunSession(ctx, engine.Session{Dir: dir, Index: i + 1}, rec.handle); err != nil {
			t.Fatal(err)
		}
		last := rec.actions[len(rec.actions)-1]
		if last.Kind != engine.ActionFeature || last.Feature.Action != event.FeatureCompleted {
			t.Fatalf("session %d ended with %+v", i, last)
		}
		fs, err := fsworkspace.ReadFeatures(dir)
		if err != nil {
			t.Fatal(err)
		}
		passing := 0
		for _, f := range fs {
			if f.Passes {
				passing++
			}
		}
		if passing != i {
			t.Fatalf("after session %d passing = %d", i, passing)
		}
	}
}

func TestCodingSessionWithoutLedgerFails(t *testing.T) {
	e := New(2, 0, nil)
	err := e.RunSession(context.Background(), engine.Session{Dir: t.TempDir()}, (&recorder{}).handle)
	if !errors.Is(err, ErrNoLedger) {
		t.Fatalf("err = %v, want ErrNoLedger", err)
	}
}

func TestHandlerErrorAbortsSession(t *testing.T) {
	stop := errors.New("stop")
	e := New(2, 0, nil)
	calls := 0
	err := e.RunSession(context.Background(), engine.Session{Dir: t.TempDir(), Initializer: true},
		func(context.Context, engine.Action) error {
			calls++
			return stop
		})
	if !errors.Is(err, stop) || calls != 1 {
		t.Fatalf("err = %v after %d calls", err, calls)
	}
}

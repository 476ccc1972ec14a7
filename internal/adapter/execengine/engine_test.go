package execengine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/forgeline/internal/domain/run"
	"github.com/Strob0t/forgeline/internal/port/engine"
)

// script writes an executable shell script and returns its path.
func script(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell scripts need a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "agent.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func collect(actions *[]engine.Action) engine.Handler {
	return func(_ context.Context, a engine.Action) error {
		*actions = append(*actions, a)
		return nil
	}
}

func session(dir string) engine.Session {
	return engine.Session{
		RunID: "run-1", ProjectID: "proj", Index: 2, Kind: run.KindCoding,
		Model: "m", Prompt: "do the next feature", Dir: dir,
	}
}

func TestRunSessionDecodesActions(t *testing.T) {
	cmd := script(t, `
echo '{"type":"tool_call","call_id":"c1","tool":"bash","input":"ls"}'
echo '{"type":"tool_result","call_id":"c1","output":"README"}'
echo ''
echo 'plain text line'
echo '{"type":"feature","feature":{"action":"completed","featureId":"7"}}'
`)
	e, err := New(Config{Command: cmd})
	if err != nil {
		t.Fatal(err)
	}

	var got []engine.Action
	if err := e.RunSession(context.Background(), session(t.TempDir()), collect(&got)); err != nil {
		t.Fatalf("RunSession: %v", err)
	}
	if len(got) != 4 {
		t.Fatalf("actions = %+v", got)
	}
	if got[0].Kind != engine.ActionToolCall || got[0].Tool != "bash" || got[0].CallID != "c1" {
		t.Errorf("tool call = %+v", got[0])
	}
	if got[2].Kind != engine.ActionMessage || got[2].Text != "plain text line" {
		t.Errorf("plain line = %+v", got[2])
	}
	if got[3].Feature == nil || got[3].Feature.FeatureID != "7" {
		t.Errorf("feature = %+v", got[3])
	}
}

func TestRunSessionPassesPromptAndEnvironment(t *testing.T) {
	cmd := script(t, `cat > prompt.txt
echo "$FORGELINE_RUN_ID $FORGELINE_SESSION $FORGELINE_AGENT_KIND $FORGELINE_INITIALIZER"`)
	e, _ := New(Config{Command: cmd})
	dir := t.TempDir()

	var got []engine.Action
	if err := e.RunSession(context.Background(), session(dir), collect(&got)); err != nil {
		t.Fatal(err)
	}
	prompt, err := os.ReadFile(filepath.Join(dir, "prompt.txt"))
	if err != nil || string(prompt) != "do the next feature" {
		t.Fatalf("prompt = %q, %v", prompt, err)
	}
	if len(got) != 1 || got[0].Text != "run-1 2 coding false" {
		t.Fatalf("env line = %+v", got)
	}
}

func TestRunSessionNonZeroExitFails(t *testing.T) {
	cmd := script(t, `echo '{"type":"message","text":"starting"}'
echo "rate limited" >&2
exit 3`)
	e, _ := New(Config{Command: cmd})

	var got []engine.Action
	err := e.RunSession(context.Background(), session(t.TempDir()), collect(&got))
	var exitErr *ExitError
	if !errors.As(err, &exitErr) {
		t.Fatalf("err = %v, want *ExitError", err)
	}
	if !strings.Contains(exitErr.Error(), "rate limited") {
		t.Errorf("error lacks stderr: %v", exitErr)
	}
	if len(got) != 1 {
		t.Errorf("actions before exit = %d, want 1", len(got))
	}
}

func TestRunSessionHandlerErrorKillsProcess(t *testing.T) {
	cmd := script(t, `echo '{"type":"message","text":"one"}'
exec sleep 30`)
	e, _ := New(Config{Command: cmd})
	stop := errors.New("stop")

	start := time.Now()
	err := e.RunSession(context.Background(), session(t.TempDir()), func(context.Context, engine.Action) error {
		return stop
	})
	if !errors.Is(err, stop) {
		t.Fatalf("err = %v, want handler error", err)
	}
	if time.Since(start) > 15*time.Second {
		t.Fatal("process was not killed")
	}
}

func TestRunSessionContextCancel(t *testing.T) {
	cmd := script(t, `exec sleep 30`)
	e, _ := New(Config{Command: cmd})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := e.RunSession(ctx, session(t.TempDir()), func(context.Context, engine.Action) error { return nil })
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
}

func TestNewRequiresCommand(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatal("expected error for empty command")
	}
}

func TestLimiterBoundsConcurrency(t *testing.T) {
	const limit = 3
	const workers = 10
	l := newLimiter(limit)

	var running, maxSeen atomic.Int32
	done := make(chan struct{}, workers)
	for range workers {
		go func() {
			defer func() { done <- struct{}{} }()
			_ = l.run(context.Background(), func() error {
				cur := running.Add(1)
				for {
					old := maxSeen.Load()
					if cur <= old || maxSeen.CompareAndSwap(old, cur) {
						break
					}
				}
				time.Sleep(10 * time.Millisecond)
				running.Add(-1)
				return nil
			})
		}()
	}
	for range workers {
		<-done
	}
	if m := maxSeen.Load(); m > limit {
		t.Errorf("max concurrent = %d, want <= %d", m, limit)
	}
}

func TestLimiterWaitHonoursContext(t *testing.T) {
	l := newLimiter(1)
	occupied := make(chan struct{})
	release := make(chan struct{})
	go func() {
		_ = l.run(context.Background(), func() error {
			close(occupied)
			<-release
			return nil
		})
	}()
	<-occupied
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := l.run(ctx, func() error {
		t.Error("fn should not run")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestNilLimiterIsUnbounded(t *testing.T) {
	var l *limiter = newLimiter(0)
	called := false
	if err := l.run(context.Background(), func() error { called = true; return nil }); err != nil || !called {
		t.Fatalf("run = %v, called %v", err, called)
	}
}

// Package execengine runs an external agent CLI once per session. The
// prompt is written to the process's stdin; the process reports what it
// does as JSON lines on stdout, one engine.Action per line.
package execengine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/Strob0t/forgeline/internal/port/engine"
)

const (
	maxLineSize   = 1 << 20
	stderrTailLen = 4 << 10
	// waitDelay bounds how long Wait blocks on pipes after the process was
	// killed.
	waitDelay = 5 * time.Second
)

// Config configures the agent process.
type Config struct {
	Command string
	Args    []string
	// MaxProcesses bounds concurrent sessions; zero means unbounded.
	MaxProcesses int
}

// Engine implements engine.Engine.
type Engine struct {
	cfg   Config
	limit *limiter
}

// New returns an engine that runs cfg.Command.
func New(cfg Config) (*Engine, error) {
	if cfg.Command == "" {
		return nil, errors.New("execengine: command is required")
	}
	return &Engine{cfg: cfg, limit: newLimiter(cfg.MaxProcesses)}, nil
}

// ExitError reports a session whose process did not exit cleanly.
type ExitError struct {
	Err    error
	Stderr string
}

func (e *ExitError) Error() string {
	if e.Stderr == "" {
		return "agent process: " + e.Err.Error()
	}
	return fmt.Sprintf("agent process: %v: %s", e.Err, e.Stderr)
}

func (e *ExitError) Unwrap() error { return e.Err }

// RunSession implements engine.Engine.
func (e *Engine) RunSession(ctx context.Context, s engine.Session, h engine.Handler) error {
	return e.limit.run(ctx, func() error { return e.run(ctx, s, h) })
}

func (e *Engine) run(ctx context.Context, s engine.Session, h engine.Handler) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.cfg.Command, e.cfg.Args...) //nolint:gosec // command comes from operator config
	cmd.Dir = s.Dir
	cmd.Stdin = strings.NewReader(s.Prompt)
	cmd.Env = append(os.Environ(), sessionEnv(s)...)
	cmd.WaitDelay = waitDelay
	stderr := &tailBuffer{max: stderrTailLen}
	cmd.Stderr = stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start agent: %w", err)
	}
	slog.InfoContext(ctx, "agent process started", "pid", cmd.Process.Pid, "session", s.Index, "dir", s.Dir)

	// Children of the agent may keep stdout open after it was killed.
	stop := context.AfterFunc(ctx, func() { _ = stdout.Close() })
	defer stop()

	handlerErr := forward(ctx, stdout, h)
	if handlerErr != nil {
		cancel()
	}
	waitErr := cmd.Wait()

	switch {
	case handlerErr != nil:
		return handlerErr
	case ctx.Err() != nil:
		return ctx.Err()
	case waitErr != nil:
		return &ExitError{Err: waitErr, Stderr: strings.TrimSpace(stderr.String())}
	}
	return nil
}

// forward decodes stdout line by line and hands each action to h. Lines
// that are not JSON objects are passed on as agent messages.
func forward(ctx context.Context, stdout io.Reader, h engine.Handler) error {
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineSize)
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if err := h(ctx, decodeLine(line)); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("read agent output: %w", err)
	}
	return nil
}

func decodeLine(line []byte) engine.Action {
	if line[0] == '{' {
		var a engine.Action
		if err := json.Unmarshal(line, &a); err == nil && a.Kind != "" {
			return a
		}
	}
	return engine.Action{Kind: engine.ActionMessage, Text: string(line)}
}

func sessionEnv(s engine.Session) []string {
	return []string{
		"FORGELINE_RUN_ID=" + s.RunID,
		"FORGELINE_PROJECT_ID=" + s.ProjectID,
		"FORGELINE_SESSION=" + strconv.Itoa(s.Index),
		"FORGELINE_AGENT_KIND=" + string(s.Kind),
		"FORGELINE_MODEL=" + s.Model,
		"FORGELINE_INITIALIZER=" + strconv.FormatBool(s.Initializer),
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

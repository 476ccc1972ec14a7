package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/Strob0t/forgeline/internal/domain/event"
	"github.com/Strob0t/forgeline/internal/service"
)

// DefaultHeartbeat keeps idle SSE connections open through proxies.
const DefaultHeartbeat = 15 * time.Second

var errStreamClosed = errors.New("stream closed")

// StreamRun handles GET /api/v1/runs/{id}/stream: the run's history followed
// by its live events.
func (h *Handlers) StreamRun(w http.ResponseWriter, r *http.Request) {
	id := urlParam(r, "id")
	j, err := h.Queue.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	h.stream(w, r, service.FollowOptions{
		ProjectID:   j.Spec.ProjectID,
		ReplayRunID: id,
		OnlyRunID:   id,
	})
}

// StreamProject handles GET /api/v1/projects/{projectID}/stream. The
// optional run_id query parameter replays that run before going live.
func (h *Handlers) StreamProject(w http.ResponseWriter, r *http.Request) {
	h.stream(w, r, service.FollowOptions{
		ProjectID:   urlParam(r, "projectID"),
		ReplayRunID: r.URL.Query().Get("run_id"),
	})
}

func (h *Handlers) stream(w http.ResponseWriter, r *http.Request, opts service.FollowOptions) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	ctx, cancel := context.WithCancel(r.Context())

	// w must not be touched once the handler returns.
	var (
		mu     sync.Mutex
		closed bool
		wg     sync.WaitGroup
	)
	defer func() {
		cancel()
		mu.Lock()
		closed = true
		mu.Unlock()
		wg.Wait()
	}()
	write := func(frame string) error {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return errStreamClosed
		}
		if _, err := fmt.Fprint(w, frame); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}
	if err := write(":ok\n\n"); err != nil {
		return
	}

	interval := h.Heartbeat
	if interval <= 0 {
		interval = DefaultHeartbeat
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if err := write(":keepalive\n\n"); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	err := h.Bus.Follow(ctx, opts, func(ev event.AgentEvent) error {
		data, err := json.Marshal(ev)
		if err != nil {
			slog.Error("sse marshal failed", "run_id", ev.RunID, "step", ev.Step, "error", err)
			return nil
		}
		return write(fmt.Sprintf("id: %s:%d\nevent: %s\ndata: %s\n\n", ev.RunID, ev.Step, ev.Kind(), data))
	})
	if err != nil && ctx.Err() == nil {
		slog.WarnContext(r.Context(), "sse stream ended", "project_id", opts.ProjectID, "error", err)
	}
}

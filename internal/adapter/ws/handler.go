// Package ws implements the WebSocket gateway that streams a project's run
// events to connected clients.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/Strob0t/forgeline/internal/domain/event"
	"github.com/Strob0t/forgeline/internal/service"
)

// DefaultWriteTimeout bounds a single frame write to a slow client.
const DefaultWriteTimeout = 10 * time.Second

// Follower streams replayed and live events of a project.
type Follower interface {
	Follow(ctx context.Context, opts service.FollowOptions, deliver func(event.AgentEvent) error) error
}

// conn wraps a single WebSocket connection.
type conn struct {
	id        string
	projectID string
	ws        *websocket.Conn
	cancel    context.CancelFunc
}

// Hub tracks active WebSocket connections and serves the event stream.
type Hub struct {
	bus          Follower
	writeTimeout time.Duration

	mu    sync.RWMutex
	conns map[string]*conn
}

// NewHub creates a hub streaming from bus. A non-positive writeTimeout
// selects DefaultWriteTimeout.
func NewHub(bus Follower, writeTimeout time.Duration) *Hub {
	if writeTimeout <= 0 {
		writeTimeout = DefaultWriteTimeout
	}
	return &Hub{
		bus:          bus,
		writeTimeout: writeTimeout,
		conns:        make(map[string]*conn),
	}
}

// HandleWS upgrades GET /ws/{projectID}. When the run_id query parameter is
// set, that run's history is sent first; afterwards every live event of
// the project is forwarded as one text frame of event JSON.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	projectID := chi.URLParam(r, "projectID")
	if projectID == "" {
		http.Error(w, "project id is required", http.StatusBadRequest)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		slog.Error("websocket accept failed", "error", err)
		return
	}

	// Clients never send frames; CloseRead cancels ctx once they go away.
	ctx, cancel := context.WithCancel(ws.CloseRead(r.Context()))
	c := &conn{id: ulid.Make().String(), projectID: projectID, ws: ws, cancel: cancel}
	h.add(c)
	defer h.remove(c)

	opts := service.FollowOptions{ProjectID: projectID, ReplayRunID: r.URL.Query().Get("run_id")}
	err = h.bus.Follow(ctx, opts, func(ev event.AgentEvent) error {
		return h.write(ctx, c, ev)
	})

	switch {
	case ctx.Err() != nil:
		// Client left or the hub closed the connection.
		_ = ws.Close(websocket.StatusGoingAway, "")
	case err != nil:
		slog.Warn("websocket stream failed", "conn_id", c.id, "project_id", projectID, "error", err)
		_ = ws.Close(websocket.StatusInternalError, "stream failed")
	default:
		_ = ws.Close(websocket.StatusNormalClosure, "stream ended")
	}
}

func (h *Hub) write(ctx context.Context, c *conn, ev event.AgentEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("websocket marshal failed", "run_id", ev.RunID, "step", ev.Step, "error", err)
		return nil
	}
	wctx, cancel := context.WithTimeout(ctx, h.writeTimeout)
	defer cancel()
	if err := c.ws.Write(wctx, websocket.MessageText, data); err != nil {
		if errors.Is(err, context.Canceled) {
			return nil
		}
		slog.Debug("websocket write failed", "conn_id", c.id, "error", err)
		return err
	}
	return nil
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Close ends every active stream.
func (h *Hub) Close() {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.conns {
		c.cancel()
	}
}

func (h *Hub) add(c *conn) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	slog.Info("websocket connected", "conn_id", c.id, "project_id", c.projectID)
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c.id]; ok {
		c.cancel()
		delete(h.conns, c.id)
		slog.Info("websocket disconnected", "conn_id", c.id)
	}
}

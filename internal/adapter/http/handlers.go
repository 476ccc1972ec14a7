package http

import (
	"net/http"
	"time"

	"github.com/Strob0t/forgeline/internal/domain/job"
	"github.com/Strob0t/forgeline/internal/domain/run"
	"github.com/Strob0t/forgeline/internal/service"
)

// Version is reported by GET /api/v1/.
const Version = "0.1.0"

// Handlers holds the services the HTTP adapter calls into.
type Handlers struct {
	Queue *service.JobQueue
	Bus   *service.EventBus
	// Heartbeat is the SSE comment interval; zero selects DefaultHeartbeat.
	Heartbeat time.Duration
}

// enqueueRequest accepts agent_type as an alias of agent_kind.
type enqueueRequest struct {
	job.Spec
	AgentType run.AgentKind `json:"agent_type,omitempty"`
}

type enqueueResponse struct {
	JobID     string        `json:"job_id"`
	RunID     string        `json:"run_id"`
	ProjectID string        `json:"project_id"`
	Status    job.Status    `json:"status"`
	AgentKind run.AgentKind `json:"agent_kind"`
}

// EnqueueRun handles POST /api/v1/runs.
func (h *Handlers) EnqueueRun(w http.ResponseWriter, r *http.Request) {
	req, ok := readJSON[enqueueRequest](w, r)
	if !ok {
		return
	}
	spec := req.Spec
	if spec.AgentKind == "" {
		spec.AgentKind = req.AgentType
	}

	j, err := h.Queue.Enqueue(r.Context(), spec)
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusCreated, enqueueResponse{
		JobID:     j.ID,
		RunID:     j.RunID(),
		ProjectID: j.Spec.ProjectID,
		Status:    j.Status,
		AgentKind: j.Spec.AgentKind,
	})
}

// GetRun handles GET /api/v1/runs/{id}.
func (h *Handlers) GetRun(w http.ResponseWriter, r *http.Request) {
	j, err := h.Queue.Get(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// StopRun handles POST /api/v1/runs/{id}/stop. A running worker notices
// the stop before its next session.
func (h *Handlers) StopRun(w http.ResponseWriter, r *http.Request) {
	j, err := h.Queue.Stop(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run_id": j.RunID(), "status": j.Status})
}

// RunEvents handles GET /api/v1/runs/{id}/events.
func (h *Handlers) RunEvents(w http.ResponseWriter, r *http.Request) {
	evs, err := h.Bus.History(r.Context(), urlParam(r, "id"))
	if err != nil {
		writeDomainError(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, evs)
}

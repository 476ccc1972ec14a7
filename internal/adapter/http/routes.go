package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// MountRoutes registers the run API on r. idempotency wraps the enqueue
// route and may be nil.
func MountRoutes(r chi.Router, h *Handlers, idempotency func(http.Handler) http.Handler) {
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"version": Version})
		})

		enqueue := http.Handler(http.HandlerFunc(h.EnqueueRun))
		if idempotency != nil {
			enqueue = idempotency(enqueue)
		}
		r.Method(http.MethodPost, "/runs", enqueue)

		r.Get("/runs/{id}", h.GetRun)
		r.Post("/runs/{id}/stop", h.StopRun)
		r.Get("/runs/{id}/events", h.RunEvents)
		r.Get("/runs/{id}/stream", h.StreamRun)
		r.Get("/projects/{projectID}/stream", h.StreamProject)
	})
}

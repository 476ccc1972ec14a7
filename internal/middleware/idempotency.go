package middleware

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/Strob0t/forgeline/internal/port/cache"
)

const (
	headerIdempotencyKey = "Idempotency-Key"
	headerReplayed       = "Idempotent-Replayed"
	maxIdempotencyBody   = 1 << 20
)

// storedResponse is the cached form of a handled request.
type storedResponse struct {
	Status      int    `json:"status"`
	ContentType string `json:"content_type,omitempty"`
	Body        []byte `json:"body"`
}

// Idempotency returns middleware that deduplicates mutating requests
// carrying an Idempotency-Key header. Responses are kept in c for ttl, keyed
// by method, path and key. Server errors and bodies over 1 MB are not cached.
func Idempotency(c cache.Cache, ttl time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get(headerIdempotencyKey)
			if key == "" || !mutating(r.Method) {
				next.ServeHTTP(w, r)
				return
			}
			ck := cache.Key("idem", r.Method, r.URL.Path, key)

			if replay(w, r, c, ck) {
				return
			}

			rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)

			if rec.status >= http.StatusInternalServerError || rec.body.Len() > maxIdempotencyBody {
				return
			}
			data, err := json.Marshal(storedResponse{
				Status:      rec.status,
				ContentType: w.Header().Get("Content-Type"),
				Body:        rec.body.Bytes(),
			})
			if err != nil {
				return
			}
			if err := c.Set(r.Context(), ck, data, ttl); err != nil {
				slog.Warn("idempotency: store response", "key", key, "error", err)
			}
		})
	}
}

func mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// replay writes the cached response for ck, if any. A failed read counts as
// a miss.
func replay(w http.ResponseWriter, r *http.Request, c cache.Cache, ck string) bool {
	data, ok, err := c.Get(r.Context(), ck)
	if err != nil {
		slog.Warn("idempotency: cache read", "key", ck, "error", err)
		return false
	}
	if !ok {
		return false
	}
	var sr storedResponse
	if err := json.Unmarshal(data, &sr); err != nil {
		slog.Warn("idempotency: corrupt cache entry", "key", ck, "error", err)
		return false
	}
	if sr.ContentType != "" {
		w.Header().Set("Content-Type", sr.ContentType)
	}
	w.Header().Set(headerReplayed, "true")
	w.WriteHeader(sr.Status)
	_, _ = w.Write(sr.Body)
	return true
}

// responseRecorder tees the response into body.
type responseRecorder struct {
	http.ResponseWriter
	status int
	body   bytes.Buffer
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

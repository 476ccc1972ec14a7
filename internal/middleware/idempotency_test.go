package middleware_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/forgeline/internal/middleware"
)

// mapCache is an in-memory cache.Cache.
type mapCache struct {
	mu      sync.Mutex
	data    map[string][]byte
	getErr  error
	lastTTL time.Duration
}

func newMapCache() *mapCache { return &mapCache{data: make(map[string][]byte)} }

func (m *mapCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, false, m.getErr
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	m.lastTTL = ttl
	return nil
}

func (m *mapCache) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *mapCache) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

// countingHandler answers with an incrementing body.
func countingHandler(status int) (http.Handler, *int) {
	calls := 0
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = fmt.Fprintf(w, `{"call":%d}`, calls)
	}), &calls
}

func do(h http.Handler, method, path, key string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(`{}`))
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestIdempotency_ReplaysCachedResponse(t *testing.T) {
	c := newMapCache()
	next, calls := countingHandler(http.StatusCreated)
	h := middleware.Idempotency(c, time.Hour)(next)

	first := do(h, http.MethodPost, "/api/v1/runs", "abc")
	second := do(h, http.MethodPost, "/api/v1/runs", "abc")

	if *calls != 1 {
		t.Fatalf("handler calls = %d, want 1", *calls)
	}
	if second.Code != http.StatusCreated || second.Body.String() != first.Body.String() {
		t.Fatalf("replay = %d %q, want %d %q", second.Code, second.Body, first.Code, first.Body)
	}
	if second.Header().Get("Idempotent-Replayed") != "true" {
		t.Error("replayed response not marked")
	}
	if second.Header().Get("Content-Type") != "application/json" {
		t.Error("headers not replayed")
	}
	if c.lastTTL != time.Hour {
		t.Errorf("ttl = %s", c.lastTTL)
	}
}

func TestIdempotency_Passthrough(t *testing.T) {
	tests := []struct {
		name   string
		method string
		key    string
	}{
		{"no key", http.MethodPost, ""},
		{"GET ignored", http.MethodGet, "abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newMapCache()
			next, calls := countingHandler(http.StatusOK)
			h := middleware.Idempotency(c, time.Hour)(next)

			do(h, tt.method, "/x", tt.key)
			do(h, tt.method, "/x", tt.key)
			if *calls != 2 {
				t.Fatalf("handler calls = %d, want 2", *calls)
			}
			if c.len() != 0 {
				t.Fatalf("cached %d entries", c.len())
			}
		})
	}
}

func TestIdempotency_KeyIsScopedToPath(t *testing.T) {
	next, calls := countingHandler(http.StatusOK)
	h := middleware.Idempotency(newMapCache(), time.Hour)(next)

	do(h, http.MethodPost, "/a", "same")
	do(h, http.MethodPost, "/b", "same")
	if *calls != 2 {
		t.Fatalf("handler calls = %d, want 2", *calls)
	}
}

func TestIdempotency_ServerErrorsAreNotCached(t *testing.T) {
	c := newMapCache()
	next, calls := countingHandler(http.StatusInternalServerError)
	h := middleware.Idempotency(c, time.Hour)(next)

	do(h, http.MethodPost, "/x", "k")
	do(h, http.MethodPost, "/x", "k")
	if *calls != 2 {
		t.Fatalf("handler calls = %d, want 2", *calls)
	}
}

func TestIdempotency_CacheErrorFallsThrough(t *testing.T) {
	c := newMapCache()
	c.getErr = errors.New("kv unavailable")
	next, calls := countingHandler(http.StatusOK)
	h := middleware.Idempotency(c, time.Hour)(next)

	if rec := do(h, http.MethodPost, "/x", "k"); rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if *calls != 1 {
		t.Fatalf("handler calls = %d", *calls)
	}
}

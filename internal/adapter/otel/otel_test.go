package otel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Strob0t/forgeline/internal/config"
)

func TestSetup_NoEndpointIsNoop(t *testing.T) {
	shutdown, err := Setup(context.Background(), config.Otel{ServiceName: "test"})
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RunStarted(ctx, "coding")
	m.RunFinished(ctx, "completed", 1)
	m.RunPaused(ctx)
	m.SessionStarted(ctx)
	m.SessionFailed(ctx)
	m.EventPublished(ctx, "status")
	m.EventsDroppedBy(ctx, 3)
	m.HistoryError(ctx)
}

func TestNewMetrics(t *testing.T) {
	m, err := NewMetrics()
	if err != nil {
		t.Fatal(err)
	}
	m.RunStarted(context.Background(), "coding")
	m.EventPublished(context.Background(), "status")
}

func TestSpans(t *testing.T) {
	ctx, span := StartRunSpan(context.Background(), "r1", "p1", "coding")
	_, sess := StartSessionSpan(ctx, "r1", 1, true)
	EndSpan(sess, errors.New("boom"))
	EndSpan(span, nil)
}

func TestHTTPMiddleware_PassesThrough(t *testing.T) {
	for _, path := range []string{"/health", "/api/v1/runs/x/stream", "/ws/p"} {
		called := false
		h := HTTPMiddleware("test")(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			called = true
			w.WriteHeader(http.StatusNoContent)
		}))
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, http.NoBody))
		if !called || rec.Code != http.StatusNoContent {
			t.Errorf("%s: called=%v code=%d", path, called, rec.Code)
		}
	}
}

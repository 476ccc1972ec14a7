package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Strob0t/forgeline/internal/adapter/ws"
	"github.com/Strob0t/forgeline/internal/config"
	"github.com/Strob0t/forgeline/internal/domain/job"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Workspace.Root = t.TempDir()
	cfg.Engine.SimulatedStepDelay = 0
	cfg.Engine.SimulatedFeatures = 2
	cfg.Runner.RetryBackoff = 0
	cfg.Runner.ContinueDelay = 0
	return &cfg
}

func newTestServer(t *testing.T, cfg *config.Config) (*infra, *httptest.Server) {
	t.Helper()
	in, err := buildInfra(context.Background(), cfg)
	if err != nil {
		t.Fatalf("buildInfra: %v", err)
	}
	hub := ws.NewHub(in.bus, 0)
	srv := httptest.NewServer(newRouter(in, hub))
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
		in.Close()
	})
	return in, srv
}

func TestHealth(t *testing.T) {
	_, srv := newTestServer(t, testConfig(t))

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ok" || body.Checks["store"] != "memory" {
		t.Fatalf("health = %+v", body)
	}
}

func TestHealthReportsSQLite(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Driver = "sqlite"
	cfg.Store.SQLitePath = filepath.Join(t.TempDir(), "forgeline.db")
	in, _ := newTestServer(t, cfg)

	checks := in.healthChecks(context.Background())
	if checks["sqlite"] != "ok" {
		t.Fatalf("checks = %v", checks)
	}
}

func postRun(t *testing.T, url, key string) (*http.Response, map[string]any) {
	t.Helper()
	req, _ := http.NewRequest(http.MethodPost, url+"/api/v1/runs", bytes.NewBufferString(`{"project_id":"demo"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Idempotency-Key", key)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	return resp, body
}

func TestEnqueueIsIdempotent(t *testing.T) {
	_, srv := newTestServer(t, testConfig(t))

	first, a := postRun(t, srv.URL, "k1")
	second, b := postRun(t, srv.URL, "k1")
	if first.StatusCode != http.StatusCreated || second.StatusCode != http.StatusCreated {
		t.Fatalf("statuses = %d, %d", first.StatusCode, second.StatusCode)
	}
	if a["run_id"] != b["run_id"] {
		t.Fatalf("replayed run %v, want %v", b["run_id"], a["run_id"])
	}
	if second.Header.Get("Idempotent-Replayed") != "true" {
		t.Fatal("second response was not marked as replayed")
	}

	_, c := postRun(t, srv.URL, "k2")
	if c["run_id"] == a["run_id"] {
		t.Fatal("a new key must enqueue a new run")
	}
}

func TestEmbeddedWorkersCompleteSimulatedRun(t *testing.T) {
	cfg := testConfig(t)
	in, srv := newTestServer(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		g, gctx := errgroup.WithContext(ctx)
		startBackground(gctx, g, in, 1)
		done <- g.Wait()
	}()

	_, body := postRun(t, srv.URL, "")
	id, _ := body["run_id"].(string)

	deadline := time.Now().Add(10 * time.Second)
	for {
		j, err := in.queue.Get(context.Background(), id)
		if err != nil {
			t.Fatal(err)
		}
		if j.Status == job.StatusCompleted {
			break
		}
		if j.Status.IsTerminal() || time.Now().After(deadline) {
			t.Fatalf("job status = %s", j.Status)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil && !errors.Is(err, context.Canceled) {
		t.Fatalf("background = %v", err)
	}
}

package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Strob0t/forgeline/internal/domain"
	"github.com/Strob0t/forgeline/internal/domain/event"
	"github.com/Strob0t/forgeline/internal/domain/job"
	"github.com/Strob0t/forgeline/internal/domain/run"
	"github.com/Strob0t/forgeline/internal/port/engine"
	"github.com/Strob0t/forgeline/internal/service"
)

// startWorker runs one worker over h's queue until the test ends.
func startWorker(t *testing.T, h *harness, ctrl *service.Controller) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	w := service.NewWorker("test", h.queue, ctrl, 50*time.Millisecond)
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func jobStatus(t *testing.T, h *harness, id string) job.Status {
	t.Helper()
	j, err := h.queue.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	return j.Status
}

func TestWorkerRecordsRunOutcome(t *testing.T) {
	tests := []struct {
		name   string
		engine *scriptEngine
		ledger *seqLedger
		maxIt  int
		want   job.Status
	}{
		{
			name:   "completed",
			engine: &scriptEngine{},
			ledger: &seqLedger{seq: []run.Progress{progress(1, 0), progress(1, 1)}},
			want:   job.StatusCompleted,
		},
		{
			name: "failed on panic",
			engine: &scriptEngine{script: []sessionFunc{
				func(context.Context, engine.Session, engine.Handler) error { panic("engine bug") },
			}},
			ledger: &seqLedger{seq: []run.Progress{progress(1, 0)}},
			want:   job.StatusFailed,
		},
		{
			name:   "paused stays running",
			engine: &scriptEngine{},
			ledger: &seqLedger{seq: []run.Progress{progress(3, 0)}},
			maxIt:  1,
			want:   job.StatusRunning,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newWallHarness(t)
			ctrl := h.controller(tt.engine, tt.ledger, nil, h.queue)
			startWorker(t, h, ctrl)

			j, err := h.queue.Enqueue(context.Background(), job.Spec{ProjectID: "proj", MaxIterations: tt.maxIt})
			if err != nil {
				t.Fatal(err)
			}

			waitFor(t, "run end", func() bool {
				evs := h.events(t, j.ID)
				if len(evs) == 0 {
					return false
				}
				switch p := evs[len(evs)-1].Payload.(type) {
				case *event.Complete, *event.Error:
					return true
				case *event.Status:
					return p.Status == event.StatusPaused
				}
				return false
			})
			waitFor(t, "job status", func() bool { return jobStatus(t, h, j.ID) == tt.want })

			// The queued announcement and the run share one gapless sequence.
			for i, ev := range h.events(t, j.ID) {
				if ev.Step != i {
					t.Fatalf("event %d has step %d", i, ev.Step)
				}
			}
		})
	}
}

func TestWorkerStopDuringRunEndsCancelled(t *testing.T) {
	h := newWallHarness(t)
	started := make(chan struct{})
	release := make(chan struct{})
	eng := &scriptEngine{script: []sessionFunc{
		func(context.Context, engine.Session, engine.Handler) error {
			close(started)
			<-release
			return nil
		},
	}}
	ctrl := h.controller(eng, &seqLedger{seq: []run.Progress{progress(2, 0)}}, nil, h.queue)
	startWorker(t, h, ctrl)

	ctx := context.Background()
	j, err := h.queue.Enqueue(ctx, spec("proj"))
	if err != nil {
		t.Fatal(err)
	}
	<-started

	if _, err := h.queue.Stop(ctx, j.ID); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	close(release)

	waitFor(t, "cancelled status event", func() bool {
		for _, s := range statuses(h.events(t, j.ID)) {
			if s.Status == event.StatusCancelled {
				return true
			}
		}
		return false
	})
	if got := jobStatus(t, h, j.ID); got != job.StatusCancelled {
		t.Fatalf("job status = %s, want cancelled", got)
	}
	if n := len(eng.seen()); n != 1 {
		t.Fatalf("sessions = %d, want 1", n)
	}
}

func TestWorkerFinishAfterExternalCancelKeepsCancelled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	j, _ := h.queue.Enqueue(ctx, spec("proj"))
	if _, err := h.queue.Dequeue(ctx, time.Second); err != nil {
		t.Fatal(err)
	}
	if _, err := h.queue.Stop(ctx, j.ID); err != nil {
		t.Fatal(err)
	}

	err := h.queue.Complete(ctx, j.ID, job.StatusCompleted)
	if !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("Complete after cancel = %v, want ErrConflict", err)
	}
	if got := jobStatus(t, h, j.ID); got != job.StatusCancelled {
		t.Fatalf("status = %s", got)
	}
}

func TestRunPoolRejectsZeroWorkers(t *testing.T) {
	h := newHarness(t)
	err := service.RunPool(context.Background(), 0, h.queue, nil, time.Second)
	if !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("err = %v, want ErrValidation", err)
	}
}

func TestRunPoolDrainsQueue(t *testing.T) {
	h := newWallHarness(t)
	ctrl := h.controller(&scriptEngine{}, &seqLedger{seq: []run.Progress{progress(1, 1)}}, nil, h.queue)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- service.RunPool(ctx, 3, h.queue, ctrl, 20*time.Millisecond) }()

	var ids []string
	for i := 0; i < 10; i++ {
		j, err := h.queue.Enqueue(context.Background(), spec("proj"))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, j.ID)
	}
	for _, id := range ids {
		waitFor(t, "job "+id, func() bool { return jobStatus(t, h, id) == job.StatusCompleted })
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("RunPool = %v", err)
	}
}

package service_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/forgeline/internal/adapter/memory"
	"github.com/Strob0t/forgeline/internal/clock"
	"github.com/Strob0t/forgeline/internal/domain"
	"github.com/Strob0t/forgeline/internal/domain/event"
	"github.com/Strob0t/forgeline/internal/domain/job"
	"github.com/Strob0t/forgeline/internal/domain/run"
	"github.com/Strob0t/forgeline/internal/service"
)

func spec(project string) job.Spec {
	return job.Spec{ProjectID: project}
}

func TestEnqueueAnnouncesRunAtStepZero(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	j, err := h.queue.Enqueue(ctx, job.Spec{ProjectID: "proj", AgentKind: run.KindPlanner})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if j.ID == "" || j.Status != job.StatusQueued || j.RunID() != j.ID {
		t.Fatalf("job = %+v", j)
	}

	evs := h.events(t, j.ID)
	if len(evs) != 1 || evs[0].Step != 0 {
		t.Fatalf("events = %v", kinds(evs))
	}
	s := evs[0].Payload.(*event.Status)
	if s.Status != event.StatusQueued || s.AgentKind != run.KindPlanner {
		t.Fatalf("queued status = %+v", s)
	}
}

func TestEnqueueDefaultsAgentKind(t *testing.T) {
	h := newHarness(t)
	j, err := h.queue.Enqueue(context.Background(), spec("proj"))
	if err != nil {
		t.Fatal(err)
	}
	if j.Spec.AgentKind != run.KindCoding {
		t.Fatalf("agent kind = %q, want coding", j.Spec.AgentKind)
	}
}

func TestEnqueueRejectsInvalidSpec(t *testing.T) {
	h := newHarness(t)
	tests := []struct {
		name string
		spec job.Spec
	}{
		{"empty project", job.Spec{}},
		{"path traversal", job.Spec{ProjectID: "../etc"}},
		{"unknown kind", job.Spec{ProjectID: "p", AgentKind: "wizard"}},
		{"negative iterations", job.Spec{ProjectID: "p", MaxIterations: -1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.queue.Enqueue(context.Background(), tt.spec)
			if !errors.Is(err, domain.ErrValidation) {
				t.Fatalf("err = %v, want ErrValidation", err)
			}
		})
	}
	if n := h.store.Len(); n != 0 {
		t.Fatalf("store has %d jobs after rejected enqueues", n)
	}
}

func TestDequeueIsFIFO(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var ids []string
	for _, p := range []string{"a", "b", "c"} {
		j, err := h.queue.Enqueue(ctx, spec(p))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, j.ID)
	}
	for _, want := range ids {
		j, err := h.queue.Dequeue(ctx, time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if j == nil || j.ID != want {
			t.Fatalf("dequeued %v, want %s", j, want)
		}
		if j.Status != job.StatusRunning {
			t.Fatalf("claimed job status = %s", j.Status)
		}
	}
}

func TestDequeueTimesOutWithNil(t *testing.T) {
	h := newHarness(t)
	j, err := h.queue.Dequeue(context.Background(), 5*time.Second)
	if err != nil || j != nil {
		t.Fatalf("Dequeue = %v, %v, want nil, nil", j, err)
	}
}

func TestDequeueWakesOnEnqueue(t *testing.T) {
	store := memory.NewJobStore(nil)
	q := service.NewJobQueue(store, nil, clock.Real{}, time.Hour)
	ctx := context.Background()

	got := make(chan *job.Job, 1)
	go func() {
		j, _ := q.Dequeue(ctx, 10*time.Second)
		got <- j
	}()

	time.Sleep(20 * time.Millisecond)
	want, err := q.Enqueue(ctx, spec("p"))
	if err != nil {
		t.Fatal(err)
	}

	select {
	case j := <-got:
		if j == nil || j.ID != want.ID {
			t.Fatalf("dequeued %v, want %s", j, want.ID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("dequeuer was not woken by the enqueue")
	}
}

func TestConcurrentDequeueClaimsEachJobOnce(t *testing.T) {
	store := memory.NewJobStore(nil)
	q := service.NewJobQueue(store, nil, clock.Real{}, 5*time.Millisecond)
	ctx := context.Background()

	const jobs = 60
	for i := 0; i < jobs; i++ {
		if _, err := q.Enqueue(ctx, spec("p")); err != nil {
			t.Fatal(err)
		}
	}

	var (
		mu      sync.Mutex
		claimed = map[string]int{}
		wg      sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, err := q.Dequeue(ctx, 20*time.Millisecond)
				if err != nil {
					t.Error(err)
					return
				}
				if j == nil {
					return
				}
				mu.Lock()
				claimed[j.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(claimed) != jobs {
		t.Fatalf("claimed %d distinct jobs, want %d", len(claimed), jobs)
	}
	for id, n := range claimed {
		if n != 1 {
			t.Fatalf("job %s claimed %d times", id, n)
		}
	}
}

func TestClaimedJobIsNotRedelivered(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.queue.Enqueue(ctx, spec("p")); err != nil {
		t.Fatal(err)
	}
	first, err := h.queue.Dequeue(ctx, time.Second)
	if err != nil || first == nil {
		t.Fatalf("Dequeue = %v, %v", first, err)
	}

	// The claimer never completes the job; nobody else gets it.
	again, err := h.queue.Dequeue(ctx, time.Minute)
	if err != nil || again != nil {
		t.Fatalf("second Dequeue = %v, %v, want nil, nil", again, err)
	}
	got, err := h.queue.Get(ctx, first.ID)
	if err != nil || got.Status != job.StatusRunning {
		t.Fatalf("Get = %+v, %v", got, err)
	}
}

func TestCompleteIsIdempotentAndConflicting(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	j, _ := h.queue.Enqueue(ctx, spec("p"))
	if _, err := h.queue.Dequeue(ctx, time.Second); err != nil {
		t.Fatal(err)
	}

	if err := h.queue.Complete(ctx, j.ID, job.StatusRunning); !errors.Is(err, domain.ErrValidation) {
		t.Fatalf("non-terminal Complete = %v, want ErrValidation", err)
	}
	if err := h.queue.Complete(ctx, j.ID, job.StatusCompleted); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := h.queue.Complete(ctx, j.ID, job.StatusCompleted); err != nil {
		t.Fatalf("repeated Complete: %v", err)
	}
	if err := h.queue.Complete(ctx, j.ID, job.StatusFailed); !errors.Is(err, domain.ErrConflict) {
		t.Fatalf("conflicting Complete = %v, want ErrConflict", err)
	}
	if err := h.queue.Complete(ctx, "missing", job.StatusFailed); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("Complete unknown = %v, want ErrNotFound", err)
	}
}

func TestStopQueuedJobIsNeverClaimed(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	j, _ := h.queue.Enqueue(ctx, spec("p"))
	stopped, err := h.queue.Stop(ctx, j.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stopped.Status != job.StatusCancelled {
		t.Fatalf("status = %s", stopped.Status)
	}
	if got, _ := h.queue.Dequeue(ctx, time.Second); got != nil {
		t.Fatalf("cancelled job was claimed: %+v", got)
	}
}

func TestGetUnknownJob(t *testing.T) {
	h := newHarness(t)
	if _, err := h.queue.Get(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

type chanWaker struct{ ch chan struct{} }

func (w chanWaker) Wake(context.Context) (<-chan struct{}, error) { return w.ch, nil }

type countingNotifier struct {
	mu sync.Mutex
	n  int
}

func (c *countingNotifier) Notify(context.Context) error {
	c.mu.Lock()
	c.n++
	c.mu.Unlock()
	return nil
}

func TestRemoteEnqueueWakesLocalDequeuer(t *testing.T) {
	store := memory.NewJobStore(nil)
	producer := service.NewJobQueue(store, nil, clock.Real{}, time.Hour)
	notifier := &countingNotifier{}
	producer.SetNotifier(notifier)

	consumer := service.NewJobQueue(store, nil, clock.Real{}, time.Hour)
	wake := make(chan struct{}, 1)
	consumer.SetWaker(chanWaker{ch: wake})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = consumer.Listen(ctx) }()

	got := make(chan *job.Job, 1)
	go func() {
		j, _ := consumer.Dequeue(ctx, 10*time.Second)
		got <- j
	}()
	time.Sleep(20 * time.Millisecond)

	want, err := producer.Enqueue(ctx, spec("p"))
	if err != nil {
		t.Fatal(err)
	}
	if notifier.n != 1 {
		t.Fatalf("notifications = %d, want 1", notifier.n)
	}
	wake <- struct{}{}

	select {
	case j := <-got:
		if j == nil || j.ID != want.ID {
			t.Fatalf("dequeued %v", j)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("remote wake-up did not reach the dequeuer")
	}
}

type brokenStore struct{ *memory.JobStore }

func (brokenStore) Create(context.Context, *job.Job) error { return errors.New("disk full") }

func TestEnqueueStoreFailureRetractsAnnouncement(t *testing.T) {
	h := newHarness(t)
	q := service.NewJobQueue(brokenStore{memory.NewJobStore(nil)}, h.bus, h.clock, time.Second)
	ctx := context.Background()

	sub, err := h.bus.Subscribe(ctx, "p")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	if _, err := q.Enqueue(ctx, spec("p")); err == nil {
		t.Fatal("Enqueue succeeded with a failing store")
	}

	queued := <-sub.C()
	failed := <-sub.C()
	if queued.Step != 0 || failed.Step != 1 || failed.RunID != queued.RunID {
		t.Fatalf("events = %v, %v", queued, failed)
	}
	e, ok := failed.Payload.(*event.Error)
	if !ok || e.Type != "enqueue_failed" {
		t.Fatalf("follow-up payload = %#v", failed.Payload)
	}
	if evs := h.events(t, queued.RunID); len(evs) != 2 {
		t.Fatalf("replay log = %v", kinds(evs))
	}
}

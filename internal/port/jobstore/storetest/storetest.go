// Package storetest holds the behaviour every jobstore.Store must share.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Strob0t/forgeline/internal/domain"
	"github.com/Strob0t/forgeline/internal/domain/job"
	"github.com/Strob0t/forgeline/internal/domain/run"
	"github.com/Strob0t/forgeline/internal/port/jobstore"
)

// Run exercises s against the jobstore contract. s must start empty.
func Run(t *testing.T, s jobstore.Store) {
	t.Helper()
	ctx := context.Background()
	seq := 0
	newJob := func() *job.Job {
		seq++
		return &job.Job{
			ID:        fmt.Sprintf("%s-%d", t.Name(), seq),
			Status:    job.StatusQueued,
			Spec:      job.Spec{ProjectID: "proj", AgentKind: run.KindCoding, MaxIterations: 3},
			CreatedAt: time.Now().UTC().Truncate(time.Millisecond),
		}
	}
	drain := func(t *testing.T) {
		t.Helper()
		for {
			j, err := s.ClaimNext(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if j == nil {
				return
			}
		}
	}

	t.Run("ClaimEmpty", func(t *testing.T) {
		j, err := s.ClaimNext(ctx)
		if err != nil || j != nil {
			t.Fatalf("ClaimNext on empty store = %v, %v; want nil, nil", j, err)
		}
	})

	t.Run("FIFO", func(t *testing.T) {
		a, b, c := newJob(), newJob(), newJob()
		for _, j := range []*job.Job{a, b, c} {
			if err := s.Create(ctx, j); err != nil {
				t.Fatal(err)
			}
		}
		for _, want := range []*job.Job{a, b, c} {
			got, err := s.ClaimNext(ctx)
			if err != nil {
				t.Fatal(err)
			}
			if got == nil || got.ID != want.ID {
				t.Fatalf("claimed %v, want %s", got, want.ID)
			}
			if got.Status != job.StatusRunning || got.ClaimedAt == nil {
				t.Fatalf("claimed job not running: %+v", got)
			}
			if got.Spec.MaxIterations != 3 || got.Spec.ProjectID != "proj" {
				t.Fatalf("spec not round-tripped: %+v", got.Spec)
			}
		}
	})

	t.Run("DuplicateCreate", func(t *testing.T) {
		j := newJob()
		if err := s.Create(ctx, j); err != nil {
			t.Fatal(err)
		}
		if err := s.Create(ctx, j); !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("duplicate create: %v, want ErrConflict", err)
		}
		drain(t)
	})

	t.Run("GetMissing", func(t *testing.T) {
		if _, err := s.Get(ctx, "does-not-exist"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Get missing: %v, want ErrNotFound", err)
		}
		if err := s.Finish(ctx, "does-not-exist", job.StatusCompleted); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Finish missing: %v, want ErrNotFound", err)
		}
		if _, err := s.Cancel(ctx, "does-not-exist"); !errors.Is(err, domain.ErrNotFound) {
			t.Fatalf("Cancel missing: %v, want ErrNotFound", err)
		}
	})

	t.Run("FinishIsCompareAndSet", func(t *testing.T) {
		j := newJob()
		if err := s.Create(ctx, j); err != nil {
			t.Fatal(err)
		}
		if _, err := s.ClaimNext(ctx); err != nil {
			t.Fatal(err)
		}
		if err := s.Finish(ctx, j.ID, job.StatusCompleted); err != nil {
			t.Fatalf("first finish: %v", err)
		}
		if err := s.Finish(ctx, j.ID, job.StatusCompleted); err != nil {
			t.Fatalf("repeat finish must be a no-op: %v", err)
		}
		if err := s.Finish(ctx, j.ID, job.StatusFailed); !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("conflicting finish: %v, want ErrConflict", err)
		}
		got, err := s.Get(ctx, j.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != job.StatusCompleted || got.FinishedAt == nil {
			t.Fatalf("job after finish: %+v", got)
		}
	})

	t.Run("CancelQueuedIsNeverClaimed", func(t *testing.T) {
		j := newJob()
		if err := s.Create(ctx, j); err != nil {
			t.Fatal(err)
		}
		got, err := s.Cancel(ctx, j.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != job.StatusCancelled {
			t.Fatalf("status = %s, want cancelled", got.Status)
		}
		if c, err := s.ClaimNext(ctx); err != nil || c != nil {
			t.Fatalf("cancelled job claimed: %v, %v", c, err)
		}
		if _, err := s.Cancel(ctx, j.ID); err != nil {
			t.Fatalf("second cancel: %v", err)
		}
	})

	t.Run("CancelRunningBlocksFinish", func(t *testing.T) {
		j := newJob()
		if err := s.Create(ctx, j); err != nil {
			t.Fatal(err)
		}
		if _, err := s.ClaimNext(ctx); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Cancel(ctx, j.ID); err != nil {
			t.Fatal(err)
		}
		if err := s.Finish(ctx, j.ID, job.StatusCompleted); !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("finish after cancel: %v, want ErrConflict", err)
		}
		if err := s.Finish(ctx, j.ID, job.StatusCancelled); err != nil {
			t.Fatalf("finish as cancelled after cancel: %v", err)
		}
		if _, err := s.Cancel(ctx, j.ID); err != nil {
			t.Fatalf("cancel twice: %v", err)
		}
	})

	t.Run("CancelFinishedConflicts", func(t *testing.T) {
		j := newJob()
		if err := s.Create(ctx, j); err != nil {
			t.Fatal(err)
		}
		if _, err := s.ClaimNext(ctx); err != nil {
			t.Fatal(err)
		}
		if err := s.Finish(ctx, j.ID, job.StatusFailed); err != nil {
			t.Fatal(err)
		}
		if _, err := s.Cancel(ctx, j.ID); !errors.Is(err, domain.ErrConflict) {
			t.Fatalf("cancel failed job: %v, want ErrConflict", err)
		}
	})

	t.Run("ConcurrentClaimExactlyOnce", func(t *testing.T) {
		const jobs, claimers = 40, 8
		for i := 0; i < jobs; i++ {
			if err := s.Create(ctx, newJob()); err != nil {
				t.Fatal(err)
			}
		}
		var (
			mu     sync.Mutex
			seen   = make(map[string]int)
			wg     sync.WaitGroup
			errsMu sync.Mutex
			errs   []error
		)
		for w := 0; w < claimers; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for {
					j, err := s.ClaimNext(ctx)
					if err != nil {
						errsMu.Lock()
						errs = append(errs, err)
						errsMu.Unlock()
						return
					}
					if j == nil {
						return
					}
					mu.Lock()
					seen[j.ID]++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if len(errs) > 0 {
			t.Fatalf("claim errors: %v", errs)
		}
		if len(seen) != jobs {
			t.Fatalf("claimed %d distinct jobs, want %d", len(seen), jobs)
		}
		for id, n := range seen {
			if n != 1 {
				t.Fatalf("job %s claimed %d times", id, n)
			}
		}
	})

	t.Run("NoRedelivery", func(t *testing.T) {
		j := newJob()
		if err := s.Create(ctx, j); err != nil {
			t.Fatal(err)
		}
		if _, err := s.ClaimNext(ctx); err != nil {
			t.Fatal(err)
		}
		// The claimant disappears without finishing.
		if again, err := s.ClaimNext(ctx); err != nil || again != nil {
			t.Fatalf("running job re-delivered: %v, %v", again, err)
		}
		got, err := s.Get(ctx, j.ID)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != job.StatusRunning {
			t.Fatalf("status = %s, want running", got.Status)
		}
	})
}

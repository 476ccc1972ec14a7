package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/forgeline/internal/domain"
	"github.com/Strob0t/forgeline/internal/domain/job"
)

// jobsChannel is the LISTEN/NOTIFY channel announcing new jobs.
const jobsChannel = "forgeline_jobs"

const jobColumns = `id, status, spec, created_at, updated_at, claimed_at, finished_at`

// JobStore implements jobstore.Store and jobstore.Waker on PostgreSQL.
// Create notifies listeners in the same transaction, so no separate
// Notifier is needed.
type JobStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewJobStore wraps pool. now may be nil.
func NewJobStore(pool *pgxpool.Pool, now func() time.Time) *JobStore {
	if now == nil {
		now = time.Now
	}
	return &JobStore{pool: pool, now: now}
}

func scanJob(row scannable) (*job.Job, error) {
	var (
		j    job.Job
		spec []byte
	)
	if err := row.Scan(&j.ID, &j.Status, &spec, &j.CreatedAt, &j.UpdatedAt, &j.ClaimedAt, &j.FinishedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(spec, &j.Spec); err != nil {
		return nil, fmt.Errorf("decode job spec: %w", err)
	}
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	return &j, nil
}

// Create inserts j as queued and notifies waiting workers on commit.
func (s *JobStore) Create(ctx context.Context, j *job.Job) error {
	if j.ID == "" {
		return fmt.Errorf("%w: job id is required", domain.ErrValidation)
	}
	spec, err := json.Marshal(j.Spec)
	if err != nil {
		return fmt.Errorf("encode job spec: %w", err)
	}
	created := j.CreatedAt
	if created.IsZero() {
		created = s.now().UTC()
	}

	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx,
			`INSERT INTO jobs (id, status, spec, created_at, updated_at) VALUES ($1, $2, $3, $4, $4)`,
			j.ID, job.StatusQueued, spec, created)
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: job %s already exists", domain.ErrConflict, j.ID)
		}
		if err != nil {
			return fmt.Errorf("insert job: %w", err)
		}
		if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, jobsChannel, j.ID); err != nil {
			return fmt.Errorf("notify: %w", err)
		}
		return nil
	})
}

// ClaimNext moves the oldest queued job to running. SKIP LOCKED lets
// concurrent workers claim different rows without waiting on each other.
func (s *JobStore) ClaimNext(ctx context.Context) (*job.Job, error) {
	now := s.now()
	row := s.pool.QueryRow(ctx,
		`UPDATE jobs SET status = $1, claimed_at = $2, updated_at = $2
		 WHERE seq = (
		     SELECT seq FROM jobs WHERE status = $3 ORDER BY seq
		     LIMIT 1 FOR UPDATE SKIP LOCKED)
		 RETURNING `+jobColumns,
		job.StatusRunning, now, job.StatusQueued)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

// Finish writes a terminal status with compare-and-set semantics.
func (s *JobStore) Finish(ctx context.Context, id string, status job.Status) error {
	return inTx(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := lockStatus(ctx, tx, id)
		if err != nil {
			return err
		}
		apply, err := job.ResolveFinish(cur, status)
		if err != nil || !apply {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE jobs SET status = $1, finished_at = $2, updated_at = $2 WHERE id = $3`,
			status, s.now(), id)
		return err
	})
}

// Cancel stops a queued or running job.
func (s *JobStore) Cancel(ctx context.Context, id string) (*job.Job, error) {
	var out *job.Job
	err := inTx(ctx, s.pool, func(tx pgx.Tx) error {
		cur, err := lockStatus(ctx, tx, id)
		if err != nil {
			return err
		}
		apply, err := job.ResolveCancel(cur)
		if err != nil {
			return err
		}
		if apply {
			if _, err := tx.Exec(ctx,
				`UPDATE jobs SET status = $1, finished_at = $2, updated_at = $2 WHERE id = $3`,
				job.StatusCancelled, s.now(), id); err != nil {
				return fmt.Errorf("cancel job: %w", err)
			}
		}
		out, err = scanJob(tx.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns a snapshot of the job.
func (s *JobStore) Get(ctx context.Context, id string) (*job.Job, error) {
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err != nil {
		return nil, notFoundWrap(err, "get job %s", id)
	}
	return j, nil
}

func lockStatus(ctx context.Context, tx pgx.Tx, id string) (job.Status, error) {
	var st job.Status
	if err := tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1 FOR UPDATE`, id).Scan(&st); err != nil {
		return "", notFoundWrap(err, "job %s", id)
	}
	return st, nil
}

// Wake holds one pooled connection in LISTEN mode and ticks on every
// notification. The connection is released when ctx ends.
func (s *JobStore) Wake(ctx context.Context) (<-chan struct{}, error) {
	conn, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire listen conn: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{jobsChannel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("listen: %w", err)
	}

	ch := make(chan struct{}, 1)
	go func() {
		defer close(ch)
		// A connection left in LISTEN state must not return to the pool.
		defer func() { _ = conn.Hijack().Close(context.Background()) }()
		for {
			if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
				if ctx.Err() == nil {
					slog.Warn("job notification listener stopped", "error", err)
				}
				return
			}
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}()
	return ch, nil
}

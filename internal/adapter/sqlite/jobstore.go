package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Strob0t/forgeline/internal/domain"
	"github.com/Strob0t/forgeline/internal/domain/job"
)

// JobStore implements jobstore.Store on the jobs table.
type JobStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewJobStore wraps db. now may be nil.
func NewJobStore(db *sql.DB, now func() time.Time) *JobStore {
	if now == nil {
		now = time.Now
	}
	return &JobStore{db: db, now: now}
}

const jobColumns = `id, status, spec, created_at, updated_at, claimed_at, finished_at`

type rowScanner interface{ Scan(dest ...any) error }

func scanJob(row rowScanner) (*job.Job, error) {
	var (
		j                 job.Job
		spec              string
		created, updated  int64
		claimed, finished sql.NullInt64
	)
	if err := row.Scan(&j.ID, &j.Status, &spec, &created, &updated, &claimed, &finished); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(spec), &j.Spec); err != nil {
		return nil, fmt.Errorf("decode job spec: %w", err)
	}
	j.CreatedAt = fromNanos(created)
	j.UpdatedAt = fromNanos(updated)
	j.ClaimedAt = timePtr(claimed)
	j.FinishedAt = timePtr(finished)
	return &j, nil
}

// Create inserts j as queued.
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
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, status, spec, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		j.ID, job.StatusQueued, string(spec), nanos(created), nanos(created))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: job %s already exists", domain.ErrConflict, j.ID)
		}
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// ClaimNext moves the oldest queued job to running in one statement.
func (s *JobStore) ClaimNext(ctx context.Context) (*job.Job, error) {
	now := nanos(s.now())
	row := s.db.QueryRowContext(ctx,
		`UPDATE jobs SET status = ?, claimed_at = ?, updated_at = ?
		 WHERE seq = (SELECT seq FROM jobs WHERE status = ? ORDER BY seq LIMIT 1)
		 RETURNING `+jobColumns,
		job.StatusRunning, now, now, job.StatusQueued)
	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return j, nil
}

// Finish writes a terminal status with compare-and-set semantics.
func (s *JobStore) Finish(ctx context.Context, id string, status job.Status) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := currentStatus(ctx, tx, id)
		if err != nil {
			return err
		}
		apply, err := job.ResolveFinish(cur, status)
		if err != nil || !apply {
			return err
		}
		now := nanos(s.now())
		_, err = tx.ExecContext(ctx,
			`UPDATE jobs SET status = ?, finished_at = ?, updated_at = ? WHERE id = ?`,
			status, now, now, id)
		return err
	})
}

// Cancel stops a queued or running job.
func (s *JobStore) Cancel(ctx context.Context, id string) (*job.Job, error) {
	var out *job.Job
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		cur, err := currentStatus(ctx, tx, id)
		if err != nil {
			return err
		}
		apply, err := job.ResolveCancel(cur)
		if err != nil {
			return err
		}
		if apply {
			now := nanos(s.now())
			if _, err := tx.ExecContext(ctx,
				`UPDATE jobs SET status = ?, finished_at = ?, updated_at = ? WHERE id = ?`,
				job.StatusCancelled, now, now, id); err != nil {
				return err
			}
		}
		out, err = scanJob(tx.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns a snapshot of the job.
func (s *JobStore) Get(ctx context.Context, id string) (*job.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

func currentStatus(ctx context.Context, tx *sql.Tx, id string) (job.Status, error) {
	var st job.Status
	err := tx.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, id).Scan(&st)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return st, err
}

func (s *JobStore) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return inTx(ctx, s.db, fn)
}

func inTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

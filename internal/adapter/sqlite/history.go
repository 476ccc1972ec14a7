package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Strob0t/forgeline/internal/domain/event"
	"github.com/Strob0t/forgeline/internal/port/eventstore"
)

// History implements eventstore.Store and eventstore.Pruner. Each run has a
// row in run_histories carrying its expiry; events live in run_events keyed
// by (run_id, step).
type History struct {
	db  *sql.DB
	now func() time.Time
}

// NewHistory wraps db. now may be nil.
func NewHistory(db *sql.DB, now func() time.Time) *History {
	if now == nil {
		now = time.Now
	}
	return &History{db: db, now: now}
}

// Append adds ev and slides its run's expiry. An expired log is cleared
// first so a reused run id starts empty.
func (h *History) Append(ctx context.Context, ev event.AgentEvent, keep eventstore.Retention) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	now := h.now()

	return inTx(ctx, h.db, func(tx *sql.Tx) error {
		var exp sql.NullInt64
		err := tx.QueryRowContext(ctx, `SELECT expires_at FROM run_histories WHERE run_id = ?`, ev.RunID).Scan(&exp)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("read expiry: %w", err)
		case exp.Valid && exp.Int64 <= nanos(now):
			if _, err := tx.ExecContext(ctx, `DELETE FROM run_events WHERE run_id = ?`, ev.RunID); err != nil {
				return fmt.Errorf("clear expired log: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_events (run_id, step, project_id, kind, data) VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT (run_id, step) DO NOTHING`,
			ev.RunID, ev.Step, ev.ProjectID, string(ev.Kind()), string(data)); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		var next sql.NullInt64
		if keep.TTL > 0 {
			next = sql.NullInt64{Int64: nanos(now.Add(keep.TTL)), Valid: true}
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO run_histories (run_id, expires_at) VALUES (?, ?)
			 ON CONFLICT (run_id) DO UPDATE SET expires_at = excluded.expires_at`,
			ev.RunID, next); err != nil {
			return fmt.Errorf("refresh expiry: %w", err)
		}

		if keep.MaxEvents > 0 {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM run_events WHERE run_id = ? AND step NOT IN (
				     SELECT step FROM run_events WHERE run_id = ? ORDER BY step DESC LIMIT ?)`,
				ev.RunID, ev.RunID, keep.MaxEvents); err != nil {
				return fmt.Errorf("trim log: %w", err)
			}
		}
		return nil
	})
}

// History returns the run's events in step order.
func (h *History) History(ctx context.Context, runID string) ([]event.AgentEvent, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT e.data FROM run_events e
		 JOIN run_histories h ON h.run_id = e.run_id
		 WHERE e.run_id = ? AND (h.expires_at IS NULL OR h.expires_at > ?)
		 ORDER BY e.step`,
		runID, nanos(h.now()))
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", runID, err)
	}
	defer func() { _ = rows.Close() }()

	var evs []event.AgentEvent
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev event.AgentEvent
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		evs = append(evs, ev)
	}
	return evs, rows.Err()
}

// Prune deletes every log that expired at or before now.
func (h *History) Prune(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	err := inTx(ctx, h.db, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`DELETE FROM run_events WHERE run_id IN (
			     SELECT run_id FROM run_histories WHERE expires_at IS NOT NULL AND expires_at <= ?)`,
			nanos(now))
		if err != nil {
			return fmt.Errorf("prune events: %w", err)
		}
		if n, err = res.RowsAffected(); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`DELETE FROM run_histories WHERE expires_at IS NOT NULL AND expires_at <= ?`, nanos(now))
		return err
	})
	return n, err
}

package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Strob0t/forgeline/internal/domain/event"
	"github.com/Strob0t/forgeline/internal/port/eventstore"
)

// History implements eventstore.Store and eventstore.Pruner. The
// run_histories row of a run is locked for the duration of an append, so
// concurrent appends to one run serialize while other runs proceed.
type History struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewHistory wraps pool. now may be nil.
func NewHistory(pool *pgxpool.Pool, now func() time.Time) *History {
	if now == nil {
		now = time.Now
	}
	return &History{pool: pool, now: now}
}

// Append adds ev and slides its run's expiry.
func (h *History) Append(ctx context.Context, ev event.AgentEvent, keep eventstore.Retention) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	now := h.now()

	return inTx(ctx, h.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO run_histories (run_id) VALUES ($1) ON CONFLICT (run_id) DO NOTHING`,
			ev.RunID); err != nil {
			return fmt.Errorf("ensure history: %w", err)
		}
		var exp *time.Time
		if err := tx.QueryRow(ctx,
			`SELECT expires_at FROM run_histories WHERE run_id = $1 FOR UPDATE`,
			ev.RunID).Scan(&exp); err != nil {
			return fmt.Errorf("lock history: %w", err)
		}
		if exp != nil && !exp.After(now) {
			if _, err := tx.Exec(ctx, `DELETE FROM run_events WHERE run_id = $1`, ev.RunID); err != nil {
				return fmt.Errorf("clear expired log: %w", err)
			}
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO run_events (run_id, step, project_id, kind, data) VALUES ($1, $2, $3, $4, $5)
			 ON CONFLICT (run_id, step) DO NOTHING`,
			ev.RunID, ev.Step, ev.ProjectID, string(ev.Kind()), data); err != nil {
			return fmt.Errorf("insert event: %w", err)
		}

		var next *time.Time
		if keep.TTL > 0 {
			t := now.Add(keep.TTL)
			next = &t
		}
		if _, err := tx.Exec(ctx,
			`UPDATE run_histories SET expires_at = $2 WHERE run_id = $1`, ev.RunID, next); err != nil {
			return fmt.Errorf("refresh expiry: %w", err)
		}

		if keep.MaxEvents > 0 {
			if _, err := tx.Exec(ctx,
				`DELETE FROM run_events WHERE run_id = $1 AND step < (
				     SELECT min(step) FROM (
				         SELECT step FROM run_events WHERE run_id = $1 ORDER BY step DESC LIMIT $2) kept)`,
				ev.RunID, keep.MaxEvents); err != nil {
				return fmt.Errorf("trim log: %w", err)
			}
		}
		return nil
	})
}

// History returns the run's events in step order.
func (h *History) History(ctx context.Context, runID string) ([]event.AgentEvent, error) {
	rows, err := h.pool.Query(ctx,
		`SELECT e.data FROM run_events e
		 JOIN run_histories h ON h.run_id = e.run_id
		 WHERE e.run_id = $1 AND (h.expires_at IS NULL OR h.expires_at > $2)
		 ORDER BY e.step`,
		runID, h.now())
	if err != nil {
		return nil, fmt.Errorf("load history %s: %w", runID, err)
	}
	defer rows.Close()

	var evs []event.AgentEvent
	for rows.Next() {
		var data []byte
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		var ev event.AgentEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			return nil, fmt.Errorf("decode event: %w", err)
		}
		evs = append(evs, ev)
	}
	return evs, rows.Err()
}

// Prune deletes every log that expired at or before now.
func (h *History) Prune(ctx context.Context, now time.Time) (int64, error) {
	tag, err := h.pool.Exec(ctx,
		`WITH expired AS (
		     DELETE FROM run_histories WHERE expires_at <= $1 RETURNING run_id)
		 DELETE FROM run_events WHERE run_id IN (SELECT run_id FROM expired)`, now)
	if err != nil {
		return 0, fmt.Errorf("prune histories: %w", err)
	}
	return tag.RowsAffected(), nil
}

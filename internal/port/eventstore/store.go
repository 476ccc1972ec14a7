// Package eventstore defines the port for per-run replay logs.
package eventstore

import (
	"context"
	"sort"
	"time"

	"github.com/Strob0t/forgeline/internal/domain/event"
)

// Retention bounds a run's replay log. TTL slides forward on every append;
// MaxEvents caps the log, dropping the oldest steps first. Zero disables the
// respective bound.
type Retention struct {
	TTL       time.Duration
	MaxEvents int
}

// Store keeps the replay log of every run.
type Store interface {
	// Append adds ev to its run's log and refreshes the log's expiry.
	// Appending a step that is already stored is a no-op.
	Append(ctx context.Context, ev event.AgentEvent, keep Retention) error
	// History returns the run's events ordered by step. Unknown and expired
	// runs yield an empty slice.
	History(ctx context.Context, runID string) ([]event.AgentEvent, error)
}

// Pruner is implemented by stores that need expired logs removed actively.
type Pruner interface {
	// Prune deletes logs that expired at or before now and reports how many
	// events were removed.
	Prune(ctx context.Context, now time.Time) (int64, error)
}

// Insert places ev into events, which must be sorted by step, and applies
// the MaxEvents cap of keep. A step that is already present leaves events
// unchanged and reports false.
func Insert(events []event.AgentEvent, ev event.AgentEvent, keep Retention) ([]event.AgentEvent, bool) {
	n := len(events)
	i := sort.Search(n, func(i int) bool { return events[i].Step >= ev.Step })
	if i < n && events[i].Step == ev.Step {
		return events, false
	}
	events = append(events, event.AgentEvent{})
	copy(events[i+1:], events[i:])
	events[i] = ev
	if keep.MaxEvents > 0 && len(events) > keep.MaxEvents {
		events = append(events[:0:0], events[len(events)-keep.MaxEvents:]...)
	}
	return events, true
}

package memory

import (
	"context"
	"sync"
	"time"

	"github.com/Strob0t/forgeline/internal/domain/event"
	"github.com/Strob0t/forgeline/internal/port/eventstore"
)

type runLog struct {
	mu        sync.Mutex
	events    []event.AgentEvent
	expiresAt time.Time
	removed   bool
}

// History keeps replay logs in process memory, one lock per run.
type History struct {
	logs sync.Map // runID -> *runLog
	now  func() time.Time
}

// NewHistory creates an empty history. now drives expiry and may be nil.
func NewHistory(now func() time.Time) *History {
	if now == nil {
		now = time.Now
	}
	return &History{now: now}
}

// Append inserts ev in step order and slides the run's expiry.
func (h *History) Append(_ context.Context, ev event.AgentEvent, keep eventstore.Retention) error {
	now := h.now()
	var l *runLog
	for {
		v, _ := h.logs.LoadOrStore(ev.RunID, &runLog{})
		l = v.(*runLog)
		l.mu.Lock()
		if !l.removed {
			break
		}
		l.mu.Unlock()
	}
	defer l.mu.Unlock()

	if !l.expiresAt.IsZero() && !now.Before(l.expiresAt) {
		l.events = nil
	}
	l.events, _ = eventstore.Insert(l.events, ev, keep)
	if keep.TTL > 0 {
		l.expiresAt = now.Add(keep.TTL)
	} else {
		l.expiresAt = time.Time{}
	}
	return nil
}

// History returns a copy of the run's log, or nil once it expired.
func (h *History) History(_ context.Context, runID string) ([]event.AgentEvent, error) {
	v, ok := h.logs.Load(runID)
	if !ok {
		return nil, nil
	}
	l := v.(*runLog)

	l.mu.Lock()
	defer l.mu.Unlock()
	if h.expired(l) {
		return nil, nil
	}
	out := make([]event.AgentEvent, len(l.events))
	copy(out, l.events)
	return out, nil
}

// Prune drops every log that expired at or before now.
func (h *History) Prune(_ context.Context, now time.Time) (int64, error) {
	var removed int64
	h.logs.Range(func(k, v any) bool {
		l := v.(*runLog)
		l.mu.Lock()
		if !l.expiresAt.IsZero() && !now.Before(l.expiresAt) {
			removed += int64(len(l.events))
			l.events = nil
			l.removed = true
			h.logs.CompareAndDelete(k, v)
		}
		l.mu.Unlock()
		return true
	})
	return removed, nil
}

func (h *History) expired(l *runLog) bool {
	return !l.expiresAt.IsZero() && !h.now().Before(l.expiresAt)
}

package natskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/Strob0t/forgeline/internal/domain/event"
	"github.com/Strob0t/forgeline/internal/port/eventstore"
)

const maxUpdateAttempts = 16

// History stores each run's replay log as one JSON array under a per-run
// key. Concurrent appends are serialised with revision-checked updates.
// Expiry is the bucket TTL, which slides because every append rewrites the
// key; Retention.TTL is not consulted.
type History struct {
	kv jetstream.KeyValue
}

// NewHistory wraps a bucket opened with OpenBucket.
func NewHistory(kv jetstream.KeyValue) *History {
	return &History{kv: kv}
}

func runKey(runID string) string { return encodeKey("run", runID) }

// Append adds ev to its run's log.
func (h *History) Append(ctx context.Context, ev event.AgentEvent, keep eventstore.Retention) error {
	key := runKey(ev.RunID)
	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		entry, err := h.kv.Get(ctx, key)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			data, err := json.Marshal([]event.AgentEvent{ev})
			if err != nil {
				return fmt.Errorf("encode history: %w", err)
			}
			_, err = h.kv.Create(ctx, key, data)
			if errors.Is(err, jetstream.ErrKeyExists) {
				continue
			}
			return err
		}
		if err != nil {
			return fmt.Errorf("read history %s: %w", ev.RunID, err)
		}

		var evs []event.AgentEvent
		if err := json.Unmarshal(entry.Value(), &evs); err != nil {
			return fmt.Errorf("decode history %s: %w", ev.RunID, err)
		}
		evs, _ = eventstore.Insert(evs, ev, keep)
		data, err := json.Marshal(evs)
		if err != nil {
			return fmt.Errorf("encode history: %w", err)
		}
		_, err = h.kv.Update(ctx, key, data, entry.Revision())
		if errors.Is(err, jetstream.ErrKeyExists) {
			continue
		}
		return err
	}
	return fmt.Errorf("append to history %s: too much contention", ev.RunID)
}

// History returns the run's log, or nil when it is unknown or expired.
func (h *History) History(ctx context.Context, runID string) ([]event.AgentEvent, error) {
	entry, err := h.kv.Get(ctx, runKey(runID))
	switch {
	case errors.Is(err, jetstream.ErrKeyNotFound):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("read history %s: %w", runID, err)
	}
	var evs []event.AgentEvent
	if err := json.Unmarshal(entry.Value(), &evs); err != nil {
		return nil, fmt.Errorf("decode history %s: %w", runID, err)
	}
	return evs, nil
}

// Package storetest holds the behaviour every eventstore.Store must share.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/Strob0t/forgeline/internal/domain/event"
	"github.com/Strob0t/forgeline/internal/port/eventstore"
)

// Clock is advanced by the suite to test expiry. The store under test must
// read time from it.
type Clock interface {
	Now() time.Time
	Advance(d time.Duration)
}

// Run exercises s against the eventstore contract. A nil clock skips the
// expiry cases, for stores that expire on the server's own clock.
func Run(t *testing.T, s eventstore.Store, clock Clock) {
	t.Helper()
	ctx := context.Background()
	keep := eventstore.Retention{TTL: time.Hour, MaxEvents: 100}
	ts := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	msg := func(runID string, step int) event.AgentEvent {
		return event.New(runID, "proj", step, &event.Message{Text: "m"}, ts)
	}
	steps := func(t *testing.T, runID string) []int {
		t.Helper()
		evs, err := s.History(ctx, runID)
		if err != nil {
			t.Fatal(err)
		}
		out := make([]int, len(evs))
		for i, e := range evs {
			out[i] = e.Step
		}
		return out
	}
	equal := func(a, b []int) bool {
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
		return true
	}

	t.Run("UnknownRunIsEmpty", func(t *testing.T) {
		if got := steps(t, "never"); len(got) != 0 {
			t.Fatalf("history = %v, want empty", got)
		}
	})

	t.Run("OrderedByStep", func(t *testing.T) {
		for _, step := range []int{1, 2, 0, 3} {
			if err := s.Append(ctx, msg("ordered", step), keep); err != nil {
				t.Fatal(err)
			}
		}
		if got := steps(t, "ordered"); !equal(got, []int{0, 1, 2, 3}) {
			t.Fatalf("history = %v, want [0 1 2 3]", got)
		}
	})

	t.Run("PayloadRoundTrip", func(t *testing.T) {
		ev := event.New("payload", "proj", 1, &event.ToolResult{Output: "denied", Blocked: true}, ts)
		if err := s.Append(ctx, ev, keep); err != nil {
			t.Fatal(err)
		}
		evs, err := s.History(ctx, "payload")
		if err != nil || len(evs) != 1 {
			t.Fatalf("history = %v, %v", evs, err)
		}
		tr, ok := evs[0].Payload.(*event.ToolResult)
		if !ok || !tr.Blocked || tr.Output != "denied" {
			t.Fatalf("payload = %#v", evs[0].Payload)
		}
		if evs[0].ProjectID != "proj" || !evs[0].Timestamp.Equal(ts) {
			t.Fatalf("envelope = %+v", evs[0])
		}
	})

	t.Run("DuplicateStepIgnored", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			if err := s.Append(ctx, msg("dup", 1), keep); err != nil {
				t.Fatal(err)
			}
		}
		if got := steps(t, "dup"); !equal(got, []int{1}) {
			t.Fatalf("history = %v, want [1]", got)
		}
	})

	t.Run("MaxEventsDropsOldest", func(t *testing.T) {
		small := eventstore.Retention{TTL: time.Hour, MaxEvents: 3}
		for step := 1; step <= 5; step++ {
			if err := s.Append(ctx, msg("capped", step), small); err != nil {
				t.Fatal(err)
			}
		}
		if got := steps(t, "capped"); !equal(got, []int{3, 4, 5}) {
			t.Fatalf("history = %v, want [3 4 5]", got)
		}
	})

	if clock == nil {
		return
	}

	t.Run("SlidingTTL", func(t *testing.T) {
		short := eventstore.Retention{TTL: 10 * time.Minute, MaxEvents: 100}
		if err := s.Append(ctx, msg("ttl", 1), short); err != nil {
			t.Fatal(err)
		}
		clock.Advance(8 * time.Minute)
		if err := s.Append(ctx, msg("ttl", 2), short); err != nil {
			t.Fatal(err)
		}
		clock.Advance(8 * time.Minute)
		if got := steps(t, "ttl"); !equal(got, []int{1, 2}) {
			t.Fatalf("history refreshed by append should survive, got %v", got)
		}
		clock.Advance(3 * time.Minute)
		if got := steps(t, "ttl"); len(got) != 0 {
			t.Fatalf("expired history = %v, want empty", got)
		}
	})

	if p, ok := s.(eventstore.Pruner); ok {
		t.Run("Prune", func(t *testing.T) {
			short := eventstore.Retention{TTL: time.Minute}
			if err := s.Append(ctx, msg("prune", 1), short); err != nil {
				t.Fatal(err)
			}
			if err := s.Append(ctx, msg("prune", 2), short); err != nil {
				t.Fatal(err)
			}
			if err := s.Append(ctx, msg("keep", 1), keep); err != nil {
				t.Fatal(err)
			}
			clock.Advance(2 * time.Minute)
			n, err := p.Prune(ctx, clock.Now())
			if err != nil {
				t.Fatal(err)
			}
			if n < 2 {
				t.Fatalf("pruned %d events, want at least 2", n)
			}
			if got := steps(t, "prune"); len(got) != 0 {
				t.Fatalf("pruned history = %v", got)
			}
			if got := steps(t, "keep"); !equal(got, []int{1}) {
				t.Fatalf("live history pruned: %v", got)
			}
			if err := s.Append(ctx, msg("prune", 3), keep); err != nil {
				t.Fatal(err)
			}
			if got := steps(t, "prune"); !equal(got, []int{3}) {
				t.Fatalf("history after prune and reuse = %v, want [3]", got)
			}
		})
	}
}

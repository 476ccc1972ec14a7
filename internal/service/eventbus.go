package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/Strob0t/forgeline/internal/adapter/otel"
	"github.com/Strob0t/forgeline/internal/clock"
	"github.com/Strob0t/forgeline/internal/domain/event"
	"github.com/Strob0t/forgeline/internal/port/broadcast"
	"github.com/Strob0t/forgeline/internal/port/eventstore"
	"github.com/Strob0t/forgeline/internal/resilience"
)

// BusConfig bounds replay retention and subscriber buffering.
type BusConfig struct {
	Retention        eventstore.Retention
	SubscriberBuffer int
	PruneInterval    time.Duration
	AppendTimeout    time.Duration
}

// EventBus records every event in its run's replay log and fans it out to
// the live subscribers of its project.
type EventBus struct {
	history eventstore.Store
	fanout  broadcast.Fanout
	breaker *resilience.Breaker
	metrics *otel.Metrics
	clock   clock.Clock
	cfg     BusConfig
}

// NewEventBus wires a bus. breaker, metrics and clk may be nil.
func NewEventBus(history eventstore.Store, fanout broadcast.Fanout, breaker *resilience.Breaker, metrics *otel.Metrics, clk clock.Clock, cfg BusConfig) *EventBus {
	if clk == nil {
		clk = clock.Real{}
	}
	if cfg.AppendTimeout <= 0 {
		cfg.AppendTimeout = 5 * time.Second
	}
	return &EventBus{
		history: history,
		fanout:  fanout,
		breaker: breaker,
		metrics: metrics,
		clock:   clk,
		cfg:     cfg,
	}
}

// Publish appends ev to the replay log and then fans it out. It never
// fails: store and fanout errors are logged and counted. The append runs
// detached from ctx cancellation so that the final events of a cancelled
// run are still recorded.
func (b *EventBus) Publish(ctx context.Context, ev event.AgentEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = b.clock.Now().UTC()
	}

	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.AppendTimeout)
	err := b.append(actx, ev)
	cancel()
	switch {
	case errors.Is(err, resilience.ErrCircuitOpen):
		slog.Debug("replay log circuit open, event not recorded", "run_id", ev.RunID, "step", ev.Step)
		b.metrics.HistoryError(ctx)
	case err != nil:
		slog.Warn("replay log append failed", "run_id", ev.RunID, "step", ev.Step, "error", err)
		b.metrics.HistoryError(ctx)
	}

	if err := b.fanout.Publish(ctx, ev); err != nil {
		slog.Warn("event fanout failed", "run_id", ev.RunID, "project_id", ev.ProjectID, "error", err)
	}
	b.metrics.EventPublished(ctx, string(ev.Kind()))
}

func (b *EventBus) append(ctx context.Context, ev event.AgentEvent) error {
	if b.breaker == nil {
		return b.history.Append(ctx, ev, b.cfg.Retention)
	}
	return b.breaker.Do(ctx, func(ctx context.Context) error {
		return b.history.Append(ctx, ev, b.cfg.Retention)
	})
}

// Subscribe opens a live stream of projectID's events.
func (b *EventBus) Subscribe(ctx context.Context, projectID string) (*broadcast.Subscription, error) {
	return b.fanout.Subscribe(ctx, projectID, b.cfg.SubscriberBuffer)
}

// History returns the replay log of runID, oldest first.
func (b *EventBus) History(ctx context.Context, runID string) ([]event.AgentEvent, error) {
	evs, err := b.history.History(ctx, runID)
	if err != nil {
		return nil, err
	}
	if evs == nil {
		evs = []event.AgentEvent{}
	}
	return evs, nil
}

// FollowOptions selects what Follow delivers.
type FollowOptions struct {
	ProjectID string
	// ReplayRunID, when set, replays that run's history before live events.
	ReplayRunID string
	// OnlyRunID, when set, filters out events of every other run.
	OnlyRunID string
}

// Follow subscribes to a project, optionally replays one run's history,
// then forwards live events to deliver until ctx ends, the bus shuts down,
// or deliver returns an error. Events already delivered are never repeated:
// a live event is skipped when its step is not past the last step
// delivered for its run.
func (b *EventBus) Follow(ctx context.Context, opts FollowOptions, deliver func(event.AgentEvent) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Subscribe before reading history so that nothing published in
	// between is lost.
	sub, err := b.Subscribe(ctx, opts.ProjectID)
	if err != nil {
		return err
	}
	defer func() {
		b.metrics.EventsDroppedBy(context.WithoutCancel(ctx), sub.Dropped())
		sub.Close()
	}()

	last := make(map[string]int)
	send := func(ev event.AgentEvent) error {
		if opts.OnlyRunID != "" && ev.RunID != opts.OnlyRunID {
			return nil
		}
		if prev, ok := last[ev.RunID]; ok && ev.Step <= prev {
			return nil
		}
		last[ev.RunID] = ev.Step
		return deliver(ev)
	}

	if opts.ReplayRunID != "" {
		evs, err := b.History(ctx, opts.ReplayRunID)
		if err != nil {
			return err
		}
		for _, ev := range evs {
			if err := send(ev); err != nil {
				return err
			}
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.C():
			if !ok {
				return nil
			}
			if err := send(ev); err != nil {
				return err
			}
		}
	}
}

// RunJanitor prunes expired replay logs until ctx ends. It returns at once
// when the store expires logs on its own.
func (b *EventBus) RunJanitor(ctx context.Context) {
	p, ok := b.history.(eventstore.Pruner)
	if !ok || b.cfg.PruneInterval <= 0 {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.clock.After(b.cfg.PruneInterval):
		}
		n, err := p.Prune(ctx, b.clock.Now())
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("replay log prune failed", "error", err)
			}
			continue
		}
		if n > 0 {
			slog.Debug("replay logs pruned", "events", n)
		}
	}
}

// Close shuts down the fanout, ending every subscription.
func (b *EventBus) Close() error {
	return b.fanout.Close()
}

package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "forgeline"

// Metrics holds the forgeline metric instruments. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	RunsStarted     metric.Int64Counter
	RunsFinished    metric.Int64Counter
	RunsPaused      metric.Int64Counter
	Sessions        metric.Int64Counter
	SessionFailures metric.Int64Counter
	EventsPublished metric.Int64Counter
	EventsDropped   metric.Int64Counter
	HistoryErrors   metric.Int64Counter
	RunDuration     metric.Float64Histogram
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	if m.RunsStarted, err = meter.Int64Counter("forgeline.runs.started",
		metric.WithDescription("Number of runs started")); err != nil {
		return nil, err
	}
	if m.RunsFinished, err = meter.Int64Counter("forgeline.runs.finished",
		metric.WithDescription("Number of runs that reached a terminal status")); err != nil {
		return nil, err
	}
	if m.RunsPaused, err = meter.Int64Counter("forgeline.runs.paused",
		metric.WithDescription("Number of runs paused at their session limit")); err != nil {
		return nil, err
	}
	if m.Sessions, err = meter.Int64Counter("forgeline.sessions",
		metric.WithDescription("Number of agent sessions started")); err != nil {
		return nil, err
	}
	if m.SessionFailures, err = meter.Int64Counter("forgeline.sessions.failed",
		metric.WithDescription("Number of agent sessions that failed")); err != nil {
		return nil, err
	}
	if m.EventsPublished, err = meter.Int64Counter("forgeline.events.published",
		metric.WithDescription("Number of events published to the bus")); err != nil {
		return nil, err
	}
	if m.EventsDropped, err = meter.Int64Counter("forgeline.events.dropped",
		metric.WithDescription("Number of events dropped for slow subscribers")); err != nil {
		return nil, err
	}
	if m.HistoryErrors, err = meter.Int64Counter("forgeline.history.errors",
		metric.WithDescription("Number of failed replay log appends")); err != nil {
		return nil, err
	}
	if m.RunDuration, err = meter.Float64Histogram("forgeline.run.duration_seconds",
		metric.WithDescription("Run duration in seconds")); err != nil {
		return nil, err
	}

	return m, nil
}

// RunStarted counts a run start.
func (m *Metrics) RunStarted(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.RunsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("agent.kind", kind)))
}

// RunFinished counts a terminal run and records its duration.
func (m *Metrics) RunFinished(ctx context.Context, status string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("run.status", status))
	m.RunsFinished.Add(ctx, 1, attrs)
	m.RunDuration.Record(ctx, seconds, attrs)
}

// RunPaused counts a run that stopped at its session limit.
func (m *Metrics) RunPaused(ctx context.Context) {
	if m == nil {
		return
	}
	m.RunsPaused.Add(ctx, 1)
}

// SessionStarted counts an engine invocation.
func (m *Metrics) SessionStarted(ctx context.Context) {
	if m == nil {
		return
	}
	m.Sessions.Add(ctx, 1)
}

// SessionFailed counts an engine failure.
func (m *Metrics) SessionFailed(ctx context.Context) {
	if m == nil {
		return
	}
	m.SessionFailures.Add(ctx, 1)
}

// EventPublished counts a published event by kind.
func (m *Metrics) EventPublished(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.EventsPublished.Add(ctx, 1, metric.WithAttributes(attribute.String("event.kind", kind)))
}

// EventsDroppedBy counts events discarded for a slow subscriber.
func (m *Metrics) EventsDroppedBy(ctx context.Context, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.EventsDropped.Add(ctx, n)
}

// HistoryError counts a failed replay log append.
func (m *Metrics) HistoryError(ctx context.Context) {
	if m == nil {
		return
	}
	m.HistoryErrors.Add(ctx, 1)
}

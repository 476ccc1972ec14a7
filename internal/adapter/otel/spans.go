package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "forgeline"

// StartRunSpan starts a span covering one agent run.
func StartRunSpan(ctx context.Context, runID, projectID, kind string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("project.id", projectID),
			attribute.String("agent.kind", kind),
		),
	)
}

// StartSessionSpan starts a span for one engine session within a run.
func StartSessionSpan(ctx context.Context, runID string, session int, initializer bool) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "session",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.Int("session.index", session),
			attribute.Bool("session.initializer", initializer),
		),
	)
}

// EndSpan records err on span, if any, and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

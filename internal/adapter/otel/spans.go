package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "storepilot"

// StartRunSpan starts a span for the execution of a run.
func StartRunSpan(ctx context.Context, runID, runType, projectID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "run",
		trace.WithAttributes(
			attribute.String("run.id", runID),
			attribute.String("run.type", runType),
			attribute.String("project.id", projectID),
		),
	)
}

// StartGenerateSpan starts a span for one provider call.
func StartGenerateSpan(ctx context.Context, provider, targetID string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "generate",
		trace.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("target.id", targetID),
		),
	)
}

// StartApplySpan starts a span for applying a draft.
func StartApplySpan(ctx context.Context, draftID string, items int) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "apply",
		trace.WithAttributes(
			attribute.String("draft.id", draftID),
			attribute.Int("draft.items", items),
		),
	)
}

// StartTriggerSpan starts a span for a trigger gate decision.
func StartTriggerSpan(ctx context.Context, projectID, targetID, automation string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "trigger",
		trace.WithAttributes(
			attribute.String("project.id", projectID),
			attribute.String("target.id", targetID),
			attribute.String("automation", automation),
		),
	)
}

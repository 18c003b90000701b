package otel

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "agentforge"

// StartRunSpan starts a span covering one agent run of a task.
func StartRunSpan(ctx context.Context, taskID, projectID, agent string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "agent.run",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("project.id", projectID),
			attribute.String("agent.name", agent),
		),
	)
}

// StartCommitDetectionSpan starts a span for the post-run commit scan.
func StartCommitDetectionSpan(ctx context.Context, path string) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, "agent.detect_commits",
		trace.WithAttributes(attribute.String("worktree.path", path)),
	)
}

// EndRunSpan annotates span with the run result and ends it.
func EndRunSpan(span trace.Span, status string, exitCode int, err error) {
	span.SetAttributes(
		attribute.String("run.status", status),
		attribute.Int("run.exit_code", exitCode),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	} else if status != "done" {
		span.SetStatus(codes.Error, status)
	}
	span.End()
}

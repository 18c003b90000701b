package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "agentforge"

// Metrics holds all AgentForge metric instruments.
type Metrics struct {
	RunsStarted     metric.Int64Counter
	RunsCompleted   metric.Int64Counter
	RunsFailed      metric.Int64Counter
	RunsUnavailable metric.Int64Counter
	OutputLines     metric.Int64Counter
	CommitsDetected metric.Int64Counter
	Tokens          metric.Int64Counter
	RunDuration     metric.Float64Histogram
}

// NewMetrics creates all metric instruments on the global meter provider.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.RunsStarted, err = meter.Int64Counter("agentforge.runs.started",
		metric.WithDescription("Number of agent processes spawned"))
	if err != nil {
		return nil, err
	}

	m.RunsCompleted, err = meter.Int64Counter("agentforge.runs.completed",
		metric.WithDescription("Number of runs that finished with exit code 0"))
	if err != nil {
		return nil, err
	}

	m.RunsFailed, err = meter.Int64Counter("agentforge.runs.failed",
		metric.WithDescription("Number of runs that failed, were stopped or errored"))
	if err != nil {
		return nil, err
	}

	m.RunsUnavailable, err = meter.Int64Counter("agentforge.runs.unavailable",
		metric.WithDescription("Number of runs rejected because the agent was not available"))
	if err != nil {
		return nil, err
	}

	m.OutputLines, err = meter.Int64Counter("agentforge.output.lines",
		metric.WithDescription("Agent output lines streamed"))
	if err != nil {
		return nil, err
	}

	m.CommitsDetected, err = meter.Int64Counter("agentforge.commits.detected",
		metric.WithDescription("Commits detected after agent runs"))
	if err != nil {
		return nil, err
	}

	m.Tokens, err = meter.Int64Counter("agentforge.tokens",
		metric.WithDescription("Tokens reported by agents"))
	if err != nil {
		return nil, err
	}

	m.RunDuration, err = meter.Float64Histogram("agentforge.run.duration_seconds",
		metric.WithDescription("Agent run duration in seconds"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}

	return m, nil
}

// RunOutcome summarizes a finished run for RecordRun.
type RunOutcome struct {
	Agent        string
	Status       string
	Duration     time.Duration
	InputTokens  int
	OutputTokens int
	Commits      int
}

// RecordRun records the completion instruments for one run. Nil-safe.
func (m *Metrics) RecordRun(ctx context.Context, o RunOutcome) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("agent", o.Agent),
		attribute.String("status", o.Status),
	)
	if o.Status == "done" {
		m.RunsCompleted.Add(ctx, 1, attrs)
	} else {
		m.RunsFailed.Add(ctx, 1, attrs)
	}
	m.RunDuration.Record(ctx, o.Duration.Seconds(), attrs)

	agent := attribute.String("agent", o.Agent)
	if o.Commits > 0 {
		m.CommitsDetected.Add(ctx, int64(o.Commits), metric.WithAttributes(agent))
	}
	if o.InputTokens > 0 {
		m.Tokens.Add(ctx, int64(o.InputTokens), metric.WithAttributes(agent, attribute.String("direction", "input")))
	}
	if o.OutputTokens > 0 {
		m.Tokens.Add(ctx, int64(o.OutputTokens), metric.WithAttributes(agent, attribute.String("direction", "output")))
	}
}

// RecordStart counts a spawned agent process. Nil-safe.
func (m *Metrics) RecordStart(ctx context.Context, agent string) {
	if m == nil {
		return
	}
	m.RunsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", agent)))
}

// RecordUnavailable counts a run rejected by the availability check. Nil-safe.
func (m *Metrics) RecordUnavailable(ctx context.Context, agent string) {
	if m == nil {
		return
	}
	m.RunsUnavailable.Add(ctx, 1, metric.WithAttributes(attribute.String("agent", agent)))
}

// RecordOutputLine counts one streamed line. Nil-safe.
func (m *Metrics) RecordOutputLine(ctx context.Context, stream string) {
	if m == nil {
		return
	}
	m.OutputLines.Add(ctx, 1, metric.WithAttributes(attribute.String("stream", stream)))
}

package otel

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/Strob0t/AgentForge/internal/config"
)

func installReader(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	prev := otel.GetMeterProvider()
	otel.SetMeterProvider(sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader)))
	t.Cleanup(func() { otel.SetMeterProvider(prev) })
	return reader
}

func sumOf(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("metric %s is not an int64 sum", name)
			}
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestRecordRun(t *testing.T) {
	reader := installReader(t)
	m, err := NewMetrics()
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	m.RecordStart(ctx, "claude")
	m.RecordOutputLine(ctx, "stdout")
	m.RecordOutputLine(ctx, "stderr")
	m.RecordRun(ctx, RunOutcome{Agent: "claude", Status: "done", Duration: 2 * time.Second, InputTokens: 100, OutputTokens: 50, Commits: 2})
	m.RecordRun(ctx, RunOutcome{Agent: "claude", Status: "failed", Duration: time.Second})
	m.RecordUnavailable(ctx, "claude")

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatal(err)
	}

	checks := map[string]int64{
		"agentforge.runs.started":     1,
		"agentforge.runs.completed":   1,
		"agentforge.runs.failed":      1,
		"agentforge.runs.unavailable": 1,
		"agentforge.output.lines":     2,
		"agentforge.commits.detected": 2,
		"agentforge.tokens":           150,
	}
	for name, want := range checks {
		if got := sumOf(t, rm, name); got != want {
			t.Errorf("%s = %d, want %d", name, got, want)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.RecordStart(ctx, "fake")
	m.RecordOutputLine(ctx, "stdout")
	m.RecordUnavailable(ctx, "fake")
	m.RecordRun(ctx, RunOutcome{Agent: "fake", Status: "done"})
}

func TestSetupWithoutEndpoint(t *testing.T) {
	cfg := config.Defaults().OTEL
	cfg.Endpoint = ""

	shutdown, err := Setup(context.Background(), cfg)
	if err != nil {
		t.Fatal(err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/AgentForge/internal/adapter/fakeagent"
	"github.com/Strob0t/AgentForge/internal/adapter/ristretto"
)

// countingDriver counts availability probes.
type countingDriver struct {
	*fakeagent.Driver
	probes atomic.Int64
}

func (d *countingDriver) IsAvailable(ctx context.Context) bool {
	d.probes.Add(1)
	return d.Driver.IsAvailable(ctx)
}

func newTestCache(t *testing.T) *ristretto.Cache {
	t.Helper()
	c, err := ristretto.New(1 << 20)
	if err != nil {
		t.Fatalf("ristretto.New: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestAvailabilityIsMemoized(t *testing.T) {
	d := &countingDriver{Driver: &fakeagent.Driver{}}
	a := NewAvailabilityChecker(newTestCache(t), time.Minute)
	ctx := context.Background()

	for range 3 {
		if !a.IsAvailable(ctx, d) {
			t.Fatal("expected available")
		}
	}
	if n := d.probes.Load(); n != 1 {
		t.Fatalf("probed %d times, want 1", n)
	}

	a.Invalidate(ctx, d.Name())
	a.IsAvailable(ctx, d)
	if n := d.probes.Load(); n != 2 {
		t.Fatalf("probed %d times after invalidate, want 2", n)
	}
}

func TestAvailabilityMemoizesNegativeResult(t *testing.T) {
	d := &countingDriver{Driver: &fakeagent.Driver{Unavailable: true}}
	a := NewAvailabilityChecker(newTestCache(t), time.Minute)

	if a.IsAvailable(context.Background(), d) || a.IsAvailable(context.Background(), d) {
		t.Fatal("expected unavailable")
	}
	if n := d.probes.Load(); n != 1 {
		t.Fatalf("probed %d times, want 1", n)
	}
}

func TestAvailabilityWithoutCacheProbesEveryTime(t *testing.T) {
	d := &countingDriver{Driver: &fakeagent.Driver{}}
	tests := []struct {
		name string
		a    *AvailabilityChecker
	}{
		{"nil checker", nil},
		{"nil cache", NewAvailabilityChecker(nil, time.Minute)},
		{"zero ttl", NewAvailabilityChecker(newTestCache(t), 0)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d.probes.Store(0)
			tt.a.IsAvailable(context.Background(), d)
			tt.a.IsAvailable(context.Background(), d)
			if n := d.probes.Load(); n != 2 {
				t.Fatalf("probed %d times, want 2", n)
			}
		})
	}
}

package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/Strob0t/AgentForge/internal/port/agentdriver"
	"github.com/Strob0t/AgentForge/internal/port/cache"
)

const availabilityKeyPrefix = "agent-available:"

// AvailabilityChecker memoizes driver availability probes for a short TTL so
// bursts of runs do not each fork "<agent> --version".
type AvailabilityChecker struct {
	cache cache.Cache
	ttl   time.Duration
}

// NewAvailabilityChecker creates a checker backed by c. A nil cache or a
// non-positive ttl disables memoization.
func NewAvailabilityChecker(c cache.Cache, ttl time.Duration) *AvailabilityChecker {
	return &AvailabilityChecker{cache: c, ttl: ttl}
}

// IsAvailable returns the cached probe result for d, probing on a miss.
// A nil checker probes every time.
func (a *AvailabilityChecker) IsAvailable(ctx context.Context, d agentdriver.Driver) bool {
	if a == nil || a.cache == nil || a.ttl <= 0 {
		return d.IsAvailable(ctx)
	}

	key := availabilityKeyPrefix + d.Name()
	if v, found, err := a.cache.Get(ctx, key); err == nil && found && len(v) == 1 {
		return v[0] == 1
	} else if err != nil {
		slog.Debug("availability cache get failed", "agent", d.Name(), "error", err)
	}

	ok := d.IsAvailable(ctx)
	var b byte
	if ok {
		b = 1
	}
	if err := a.cache.Set(ctx, key, []byte{b}, a.ttl); err != nil {
		slog.Debug("availability cache set failed", "agent", d.Name(), "error", err)
	}
	return ok
}

// Invalidate drops the cached result for the named driver.
func (a *AvailabilityChecker) Invalidate(ctx context.Context, name string) {
	if a == nil || a.cache == nil {
		return
	}
	_ = a.cache.Delete(ctx, availabilityKeyPrefix+name)
}

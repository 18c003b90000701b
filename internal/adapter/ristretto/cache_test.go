package ristretto

import (
	"context"
	"testing"
	"time"

	"github.com/Strob0t/AgentForge/internal/port/cache"
)

var _ cache.Cache = (*Cache)(nil)

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := New(1 << 20)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(c.Close)
	return c
}

func TestCache(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()

	t.Run("SetAndGet", func(t *testing.T) {
		if err := c.Set(ctx, "agent:claude", []byte{1}, time.Minute); err != nil {
			t.Fatal(err)
		}
		val, found, err := c.Get(ctx, "agent:claude")
		if err != nil {
			t.Fatal(err)
		}
		if !found {
			t.Fatal("expected found after Set")
		}
		if len(val) != 1 || val[0] != 1 {
			t.Fatalf("unexpected value %v", val)
		}
	})

	t.Run("GetMiss", func(t *testing.T) {
		_, found, err := c.Get(ctx, "agent:missing")
		if err != nil {
			t.Fatal(err)
		}
		if found {
			t.Fatal("expected miss for nonexistent key")
		}
	})

	t.Run("Delete", func(t *testing.T) {
		_ = c.Set(ctx, "agent:fake", []byte{0}, time.Minute)
		if err := c.Delete(ctx, "agent:fake"); err != nil {
			t.Fatal(err)
		}
		if _, found, _ := c.Get(ctx, "agent:fake"); found {
			t.Fatal("expected miss after Delete")
		}
	})

	t.Run("DeleteNonexistent", func(t *testing.T) {
		if err := c.Delete(ctx, "never-existed"); err != nil {
			t.Fatal("Delete of nonexistent key should not error")
		}
	})

	t.Run("Overwrite", func(t *testing.T) {
		_ = c.Set(ctx, "ow-key", []byte("v1"), time.Minute)
		_ = c.Set(ctx, "ow-key", []byte("v2"), time.Minute)
		val, found, _ := c.Get(ctx, "ow-key")
		if !found || string(val) != "v2" {
			t.Fatalf("expected v2 after overwrite, got %q (found=%v)", val, found)
		}
	})

	t.Run("Expiry", func(t *testing.T) {
		_ = c.Set(ctx, "short", []byte("x"), 50*time.Millisecond)
		deadline := time.Now().Add(3 * time.Second)
		for time.Now().Before(deadline) {
			if _, found, _ := c.Get(ctx, "short"); !found {
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
		t.Fatal("expected entry to expire")
	})
}

func TestNewRejectsTinyBudget(t *testing.T) {
	if _, err := New(1); err == nil {
		t.Fatal("expected error for max cost below minimum")
	}
}

package cache

import (
	"strings"
	"testing"
	"time"
)

func TestGetSet(t *testing.T) {
	c, err := New[string, string](10, time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if _, ok := c.Get("exp-1:user-1"); ok {
		t.Error("expected miss on empty cache")
	}

	c.Set("exp-1:user-1", "variant-a")
	v, ok := c.Get("exp-1:user-1")
	if !ok || v != "variant-a" {
		t.Errorf("expected variant-a, got (%q, %v)", v, ok)
	}

	hits, misses := c.Stats()
	if hits != 1 || misses != 1 {
		t.Errorf("expected 1 hit / 1 miss, got %d / %d", hits, misses)
	}
}

func TestTTLExpiry(t *testing.T) {
	c, err := New[string, string](10, 10*time.Millisecond)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.Set("exp-1:user-1", "variant-a")
	time.Sleep(20 * time.Millisecond)

	if _, ok := c.Get("exp-1:user-1"); ok {
		t.Error("expected entry to expire after TTL")
	}
}

func TestEviction(t *testing.T) {
	c, err := New[int, int](2, 0)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.Set(1, 1)
	c.Set(2, 2)
	c.Set(3, 3) // evicts 1

	if _, ok := c.Get(1); ok {
		t.Error("expected oldest entry to be evicted")
	}
	if c.Len() != 2 {
		t.Errorf("expected 2 entries, got %d", c.Len())
	}
}

func TestInvalidateByExperiment(t *testing.T) {
	c, err := New[string, string](10, time.Minute)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	c.Set("exp-1:user-1", "variant-a")
	c.Set("exp-1:user-2", "variant-b")
	c.Set("exp-2:user-1", "variant-a")

	c.Invalidate(func(key string) bool {
		return strings.HasPrefix(key, "exp-1:")
	})

	if _, ok := c.Get("exp-1:user-1"); ok {
		t.Error("exp-1 entries should be invalidated")
	}
	if _, ok := c.Get("exp-2:user-1"); !ok {
		t.Error("exp-2 entries should survive")
	}
}

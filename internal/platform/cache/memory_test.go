package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestMemoryCache_TTLBoundary(t *testing.T) {
	clock := newTestClock()
	c := NewMemoryCacheWithConfig(MemoryCacheConfig{MaxSize: 10, Clock: clock.Now})
	defer c.Close()
	ctx := context.Background()

	_ = c.Set(ctx, "price", 1.0, 60*time.Second)

	clock.Advance(60 * time.Second)
	if _, err := c.Get(ctx, "price"); err != nil {
		t.Fatalf("entry must still be served at t0+TTL, got %v", err)
	}

	clock.Advance(time.Millisecond)
	if _, err := c.Get(ctx, "price"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("entry must be a miss at t0+TTL+1ms, got %v", err)
	}
}

func TestMemoryCache_LRUEviction(t *testing.T) {
	var evicted []string
	c := NewMemoryCacheWithConfig(MemoryCacheConfig{
		MaxSize: 2,
		OnEvict: func(key string) { evicted = append(evicted, key) },
	})
	defer c.Close()
	ctx := context.Background()

	_ = c.Set(ctx, "a", 1, time.Minute)
	_ = c.Set(ctx, "b", 2, time.Minute)
	_, _ = c.Get(ctx, "a") // a becomes most recent
	_ = c.Set(ctx, "c", 3, time.Minute)

	if _, err := c.Get(ctx, "b"); !errors.Is(err, ErrNotFound) {
		t.Error("least recently used key b should be evicted")
	}
	if len(evicted) != 1 || evicted[0] != "b" {
		t.Errorf("expected eviction of b, got %v", evicted)
	}
	if size, maxSize := c.Stats(); size != 2 || maxSize != 2 {
		t.Errorf("Stats() = %d/%d, want 2/2", size, maxSize)
	}
}

func TestMemoryCache_EvictExpired(t *testing.T) {
	clock := newTestClock()
	c := NewMemoryCacheWithConfig(MemoryCacheConfig{Clock: clock.Now})
	defer c.Close()
	ctx := context.Background()

	_ = c.Set(ctx, "short", 1, 30*time.Second)
	_ = c.Set(ctx, "long", 2, 5*time.Minute)

	clock.Advance(time.Minute)
	if n := c.EvictExpired(); n != 1 {
		t.Errorf("expected 1 expired entry evicted, got %d", n)
	}
	if size, _ := c.Stats(); size != 1 {
		t.Errorf("expected 1 remaining entry, got %d", size)
	}
}

func TestMemoryCache_CloseIdempotent(t *testing.T) {
	c := NewMemoryCache(1)
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
}

package maestro

import (
	"context"
	"fmt"
	"testing"
	"time"
)

func TestContextCacheKey(t *testing.T) {
	if ContextCacheKey("  Сравни Варианты ") != ContextCacheKey("сравни варианты") {
		t.Error("trim/case differences must share a key")
	}
	if ContextCacheKey("одна цель") == ContextCacheKey("другая цель") {
		t.Error("distinct goals share a key")
	}
}

func TestMemoryContextCache(t *testing.T) {
	c := NewMemoryContextCache()
	ctx := context.Background()

	block := ContextBlock{Text: "контекст", NodeIDs: []string{"n1"}}
	c.Set(ctx, "k1", block, time.Minute)

	got, ok := c.Get(ctx, "k1")
	if !ok || got.Text != "контекст" || len(got.NodeIDs) != 1 {
		t.Fatalf("Get = %+v, %t", got, ok)
	}

	if _, ok := c.Get(ctx, "missing"); ok {
		t.Error("unknown key must miss")
	}
}

func TestMemoryContextCacheTTL(t *testing.T) {
	c := NewMemoryContextCache()
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	c.Set(ctx, "k1", ContextBlock{Text: "x"}, 100*time.Millisecond)
	if _, ok := c.Get(ctx, "k1"); !ok {
		t.Fatal("fresh entry must hit")
	}

	now = now.Add(time.Second)
	if _, ok := c.Get(ctx, "k1"); ok {
		t.Error("expired entry must miss")
	}
	if c.Len() != 0 {
		t.Errorf("expired entry not deleted, Len = %d", c.Len())
	}
}

func TestMemoryContextCacheSweepAndEvict(t *testing.T) {
	c := NewMemoryContextCache()
	c.max = 4
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	// Two entries that will expire, two that stay fresh.
	c.Set(ctx, "old1", ContextBlock{Text: "1"}, 10*time.Millisecond)
	c.Set(ctx, "old2", ContextBlock{Text: "2"}, 10*time.Millisecond)
	c.Set(ctx, "fresh1", ContextBlock{Text: "3"}, time.Hour)
	c.Set(ctx, "fresh2", ContextBlock{Text: "4"}, time.Hour)

	now = now.Add(time.Second)
	c.Set(ctx, "new", ContextBlock{Text: "5"}, time.Hour)

	if c.Len() != 3 {
		t.Errorf("Len = %d after sweep, want 3", c.Len())
	}
	if _, ok := c.Get(ctx, "fresh1"); !ok {
		t.Error("fresh entry swept")
	}
	if _, ok := c.Get(ctx, "new"); !ok {
		t.Error("new entry missing")
	}
}

func TestMemoryContextCacheEvictsClosestToExpiry(t *testing.T) {
	c := NewMemoryContextCache()
	c.max = 3
	ctx := context.Background()

	// All fresh; the cap forces out the entry expiring soonest.
	c.Set(ctx, "soon", ContextBlock{Text: "s"}, time.Minute)
	c.Set(ctx, "later", ContextBlock{Text: "l"}, time.Hour)
	c.Set(ctx, "latest", ContextBlock{Text: "x"}, 2*time.Hour)
	c.Set(ctx, "new", ContextBlock{Text: "n"}, time.Hour)

	if c.Len() != 3 {
		t.Fatalf("Len = %d, want 3", c.Len())
	}
	if _, ok := c.Get(ctx, "soon"); ok {
		t.Error("entry closest to expiry must be evicted first")
	}
	if _, ok := c.Get(ctx, "new"); !ok {
		t.Error("new entry must survive eviction")
	}
}

func TestMemoryContextCacheOverwrite(t *testing.T) {
	c := NewMemoryContextCache()
	c.max = 2
	ctx := context.Background()

	c.Set(ctx, "k", ContextBlock{Text: "старый"}, time.Minute)
	c.Set(ctx, "k2", ContextBlock{Text: "x"}, time.Minute)
	// Overwriting an existing key never triggers eviction.
	c.Set(ctx, "k", ContextBlock{Text: "новый"}, time.Minute)

	if c.Len() != 2 {
		t.Errorf("Len = %d, want 2", c.Len())
	}
	got, ok := c.Get(ctx, "k")
	if !ok || got.Text != "новый" {
		t.Errorf("Get = %+v, %t", got, ok)
	}
}

func TestMemoryContextCacheConcurrent(t *testing.T) {
	c := NewMemoryContextCache()
	ctx := context.Background()
	done := make(chan struct{})
	for i := 0; i < 8; i++ {
		go func(i int) {
			defer func() { done <- struct{}{} }()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("k%d", j%10)
				c.Set(ctx, key, ContextBlock{Text: key}, time.Minute)
				c.Get(ctx, key)
			}
		}(i)
	}
	for i := 0; i < 8; i++ {
		<-done
	}
}

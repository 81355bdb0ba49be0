package maestro

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestEmbedCacheKey(t *testing.T) {
	// Case and whitespace differences share an entry.
	a := EmbedCacheKey("Как Работает  Кэш")
	b := EmbedCacheKey("как работает\nкэш")
	if a != b {
		t.Errorf("keys differ for equivalent texts: %q vs %q", a, b)
	}
	if EmbedCacheKey("разные") == EmbedCacheKey("тексты") {
		t.Error("distinct texts share a key")
	}
}

func TestEmbedderCachesVectors(t *testing.T) {
	fake := newFakeEmbedding(4)
	e := NewEmbedder(fake, WithEmbedderDimension(4))

	first, err := e.Embed(context.Background(), "текст")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	second, err := e.Embed(context.Background(), "ТЕКСТ")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if fake.callCount() != 1 {
		t.Errorf("provider called %d times, want 1", fake.callCount())
	}
	for i := range first {
		if first[i] != second[i] {
			t.Fatal("cached vector differs from original")
		}
	}
}

func TestEmbedderDimensionMismatch(t *testing.T) {
	fake := newFakeEmbedding(4)
	e := NewEmbedder(fake, WithEmbedderDimension(768))

	_, err := e.Embed(context.Background(), "текст")
	var dimErr *ErrDimensionMismatch
	if !errors.As(err, &dimErr) {
		t.Fatalf("expected *ErrDimensionMismatch, got %v", err)
	}
	if dimErr.Want != 768 || dimErr.Got != 4 {
		t.Errorf("mismatch = %+v", dimErr)
	}

	// The bad vector must not be cached: a fixed provider serves fresh ones.
	fake2 := newFakeEmbedding(768)
	e2 := NewEmbedder(fake2, WithEmbedderDimension(768))
	if _, err := e2.Embed(context.Background(), "текст"); err != nil {
		t.Fatalf("Embed after fix: %v", err)
	}
}

func TestEmbedderProviderError(t *testing.T) {
	fake := newFakeEmbedding(4)
	fake.err = errors.New("backend down")
	e := NewEmbedder(fake, WithEmbedderDimension(4))
	if _, err := e.Embed(context.Background(), "текст"); err == nil {
		t.Fatal("expected provider error")
	}
}

func TestEmbedBatchMixedCache(t *testing.T) {
	fake := newFakeEmbedding(4)
	e := NewEmbedder(fake, WithEmbedderDimension(4))

	// Warm one of three texts.
	warm, err := e.Embed(context.Background(), "первый")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}

	vecs, err := e.EmbedBatch(context.Background(), []string{"первый", "второй", "третий"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vecs) != 3 {
		t.Fatalf("got %d vectors", len(vecs))
	}
	for i := range warm {
		if vecs[0][i] != warm[i] {
			t.Fatal("cached vector not reused in batch")
		}
	}
	// One warm call plus one batch call for the two misses.
	if fake.callCount() != 2 {
		t.Errorf("provider called %d times, want 2", fake.callCount())
	}

	// Fully warm batch needs no provider call.
	if _, err := e.EmbedBatch(context.Background(), []string{"второй", "третий"}); err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if fake.callCount() != 2 {
		t.Errorf("provider called %d times for warm batch, want 2", fake.callCount())
	}
}

func TestEmbedderCacheTTL(t *testing.T) {
	fake := newFakeEmbedding(4)
	e := NewEmbedder(fake, WithEmbedderDimension(4), WithEmbedderCache(16, 10*time.Millisecond))

	if _, err := e.Embed(context.Background(), "текст"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if _, err := e.Embed(context.Background(), "текст"); err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if fake.callCount() != 2 {
		t.Errorf("provider called %d times, want 2 after TTL expiry", fake.callCount())
	}
}

package maestro

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// EmbedCacheKey is the cache key for one text: md5 over the lowercased,
// whitespace-collapsed form, so trivial formatting differences share an
// entry.
func EmbedCacheKey(text string) string {
	collapsed := strings.Join(strings.Fields(strings.ToLower(text)), " ")
	h := md5.Sum([]byte(collapsed))
	return hex.EncodeToString(h[:])
}

// Embedder wraps an EmbeddingProvider with an in-process LRU+TTL cache and
// enforces the configured vector dimension on every result. A vector of the
// wrong size is an error, never silently stored.
type Embedder struct {
	provider EmbeddingProvider
	dim      int
	cache    *lruCache[[]float32]
	logger   *slog.Logger
	metrics  *Metrics
}

// EmbedderOption configures an Embedder.
type EmbedderOption func(*Embedder)

// WithEmbedderCache sizes the embedding cache. Defaults: 1024 entries,
// 10-minute TTL.
func WithEmbedderCache(maxEntries int, ttl time.Duration) EmbedderOption {
	return func(e *Embedder) { e.cache = newLRUCache[[]float32](maxEntries, ttl) }
}

// WithEmbedderDimension sets the enforced vector size. Default: 768.
func WithEmbedderDimension(d int) EmbedderOption {
	return func(e *Embedder) {
		if d > 0 {
			e.dim = d
		}
	}
}

// WithEmbedderLogger sets the structured logger.
func WithEmbedderLogger(l *slog.Logger) EmbedderOption {
	return func(e *Embedder) { e.logger = l }
}

// WithEmbedderMetrics sets the metrics sink for cache hit/miss counters.
func WithEmbedderMetrics(m *Metrics) EmbedderOption {
	return func(e *Embedder) { e.metrics = m }
}

// NewEmbedder creates an Embedder over the given provider.
func NewEmbedder(provider EmbeddingProvider, opts ...EmbedderOption) *Embedder {
	e := &Embedder{
		provider: provider,
		dim:      768,
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.cache == nil {
		e.cache = newLRUCache[[]float32](1024, 10*time.Minute)
	}
	return e
}

// Dimensions returns the enforced vector size.
func (e *Embedder) Dimensions() int { return e.dim }

// Embed returns the embedding for one text, from cache when fresh.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	key := EmbedCacheKey(text)
	if vec, ok := e.cache.Get(key); ok {
		e.metrics.CacheHit("embed")
		return vec, nil
	}
	e.metrics.CacheMiss("embed")

	vecs, err := e.provider.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("maestro: embedding provider returned %d vectors for 1 text", len(vecs))
	}
	if len(vecs[0]) != e.dim {
		return nil, &ErrDimensionMismatch{Want: e.dim, Got: len(vecs[0])}
	}
	e.cache.Set(key, vecs[0])
	return vecs[0], nil
}

// EmbedBatch embeds several texts in one provider call, serving and filling
// the cache per text. Order of results matches order of inputs.
func (e *Embedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	var missing []string
	var missingIdx []int
	for i, t := range texts {
		if vec, ok := e.cache.Get(EmbedCacheKey(t)); ok {
			e.metrics.CacheHit("embed")
			out[i] = vec
			continue
		}
		e.metrics.CacheMiss("embed")
		missing = append(missing, t)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := e.provider.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missing) {
		return nil, fmt.Errorf("maestro: embedding provider returned %d vectors for %d texts", len(vecs), len(missing))
	}
	for j, vec := range vecs {
		if len(vec) != e.dim {
			return nil, &ErrDimensionMismatch{Want: e.dim, Got: len(vec)}
		}
		e.cache.Set(EmbedCacheKey(missing[j]), vec)
		out[missingIdx[j]] = vec
	}
	return out, nil
}

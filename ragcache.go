package maestro

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ContextCacheKey is the retrieval cache key for a goal: md5 over the
// trimmed, lowercased text.
func ContextCacheKey(goal string) string {
	h := md5.Sum([]byte(strings.ToLower(strings.TrimSpace(goal))))
	return hex.EncodeToString(h[:])
}

// ContextCache stores assembled retrieval context per goal. Both backends
// are fail-open: a broken cache degrades to recomputation, never to a
// request failure.
type ContextCache interface {
	Get(ctx context.Context, key string) (ContextBlock, bool)
	Set(ctx context.Context, key string, block ContextBlock, ttl time.Duration)
}

// --- in-memory backend ---

type memCtxEntry struct {
	block   ContextBlock
	expires time.Time
}

// MemoryContextCache is the default backend: a bounded map with per-entry
// TTL. Inserts lazily sweep a handful of expired entries instead of running
// a background janitor; when the cap is still hit, the entry closest to
// expiry goes first.
type MemoryContextCache struct {
	mu         sync.Mutex
	max        int
	sweepLimit int
	entries    map[string]memCtxEntry

	now func() time.Time // test hook
}

// NewMemoryContextCache creates the in-memory backend with the default
// bounds: 500 entries, at most 50 expired entries swept per insert.
func NewMemoryContextCache() *MemoryContextCache {
	return &MemoryContextCache{
		max:        500,
		sweepLimit: 50,
		entries:    make(map[string]memCtxEntry),
		now:        time.Now,
	}
}

// Get returns the cached block when present and fresh.
func (c *MemoryContextCache) Get(_ context.Context, key string) (ContextBlock, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ent, ok := c.entries[key]
	if !ok {
		return ContextBlock{}, false
	}
	if c.now().After(ent.expires) {
		delete(c.entries, key)
		return ContextBlock{}, false
	}
	return ent.block, true
}

// Set stores a block with the given TTL.
func (c *MemoryContextCache) Set(_ context.Context, key string, block ContextBlock, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, ok := c.entries[key]; !ok && len(c.entries) >= c.max {
		swept := 0
		for k, ent := range c.entries {
			if now.After(ent.expires) {
				delete(c.entries, k)
				swept++
				if swept >= c.sweepLimit {
					break
				}
			}
		}
		for len(c.entries) >= c.max {
			oldestKey := ""
			var oldest time.Time
			for k, ent := range c.entries {
				if oldestKey == "" || ent.expires.Before(oldest) {
					oldestKey, oldest = k, ent.expires
				}
			}
			delete(c.entries, oldestKey)
		}
	}
	c.entries[key] = memCtxEntry{block: block, expires: now.Add(ttl)}
}

// Len returns the current entry count.
func (c *MemoryContextCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// --- redis backend ---

// RedisContextCache stores blocks as JSON values in Redis, for deployments
// that want the retrieval cache shared across processes or surviving
// restarts. Errors are logged and treated as misses.
type RedisContextCache struct {
	rdb    *redis.Client
	prefix string
	logger *slog.Logger
}

// RedisContextCacheOption configures a RedisContextCache.
type RedisContextCacheOption func(*RedisContextCache)

// WithRedisCachePrefix sets the key prefix. Default: "maestro:rag:".
func WithRedisCachePrefix(prefix string) RedisContextCacheOption {
	return func(c *RedisContextCache) { c.prefix = prefix }
}

// WithRedisCacheLogger sets the structured logger.
func WithRedisCacheLogger(l *slog.Logger) RedisContextCacheOption {
	return func(c *RedisContextCache) { c.logger = l }
}

// NewRedisContextCache creates the Redis backend over an existing client.
func NewRedisContextCache(rdb *redis.Client, opts ...RedisContextCacheOption) *RedisContextCache {
	c := &RedisContextCache{
		rdb:    rdb,
		prefix: "maestro:rag:",
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get fetches and decodes a cached block.
func (c *RedisContextCache) Get(ctx context.Context, key string) (ContextBlock, bool) {
	val, err := c.rdb.Get(ctx, c.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return ContextBlock{}, false
	}
	if err != nil {
		c.logger.Warn("redis cache read failed", "error", err)
		return ContextBlock{}, false
	}
	var block ContextBlock
	if err := json.Unmarshal([]byte(val), &block); err != nil {
		c.logger.Warn("redis cache entry corrupt, dropping", "key", key, "error", err)
		c.rdb.Del(ctx, c.prefix+key)
		return ContextBlock{}, false
	}
	return block, true
}

// Set encodes and stores a block with the given TTL.
func (c *RedisContextCache) Set(ctx context.Context, key string, block ContextBlock, ttl time.Duration) {
	payload, err := json.Marshal(block)
	if err != nil {
		c.logger.Warn("redis cache encode failed", "error", err)
		return
	}
	if err := c.rdb.Set(ctx, c.prefix+key, payload, ttl).Err(); err != nil {
		c.logger.Warn("redis cache write failed", "error", err)
	}
}

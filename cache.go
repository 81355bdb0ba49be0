package maestro

import (
	"container/list"
	"sync"
	"time"
)

// lruCache is a fixed-capacity LRU cache with per-entry TTL. Used for the
// understanding and embedding caches, which are small and hot; eviction is
// strictly capacity-driven, expiry is checked on read.
type lruCache[V any] struct {
	mu    sync.Mutex
	max   int
	ttl   time.Duration
	ll    *list.List
	items map[string]*list.Element

	now func() time.Time // test hook
}

type lruEntry[V any] struct {
	key     string
	value   V
	expires time.Time
}

func newLRUCache[V any](max int, ttl time.Duration) *lruCache[V] {
	if max < 1 {
		max = 1
	}
	return &lruCache[V]{
		max:   max,
		ttl:   ttl,
		ll:    list.New(),
		items: make(map[string]*list.Element, max),
		now:   time.Now,
	}
}

// Get returns the cached value and whether it was present and fresh.
// Expired entries are removed on access.
func (c *lruCache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	el, ok := c.items[key]
	if !ok {
		return zero, false
	}
	ent := el.Value.(*lruEntry[V])
	if c.ttl > 0 && c.now().After(ent.expires) {
		c.ll.Remove(el)
		delete(c.items, key)
		return zero, false
	}
	c.ll.MoveToFront(el)
	return ent.value, true
}

// Set stores a value, evicting the least recently used entry when full.
func (c *lruCache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(c.ttl)
	if el, ok := c.items[key]; ok {
		ent := el.Value.(*lruEntry[V])
		ent.value = value
		ent.expires = expires
		c.ll.MoveToFront(el)
		return
	}
	el := c.ll.PushFront(&lruEntry[V]{key: key, value: value, expires: expires})
	c.items[key] = el
	for c.ll.Len() > c.max {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*lruEntry[V]).key)
	}
}

// Len returns the number of entries, including any not yet expired-on-read.
func (c *lruCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

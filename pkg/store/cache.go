package store

import (
	"sync"

	"github.com/hashicorp/golang-lru/simplelru"

	"github.com/aretw0/loamdb/pkg/core"
)

// DefaultCacheCapacity is the number of handles kept resident when no capacity is configured.
const DefaultCacheCapacity = 100

// DocumentCache is a bounded, identity-preserving LRU of live handles.
// Eviction only drops the cache's reference; it never touches storage.
type DocumentCache struct {
	mu       sync.Mutex
	lru      *simplelru.LRU
	capacity int
	closed   bool
	onEvict  func(id string, h *Handle)
}

// NewDocumentCache creates a cache holding up to capacity handles.
// onEvict, if set, runs for capacity evictions (not for RemoveAll) and must not call back into the cache.
func NewDocumentCache(capacity int, onEvict func(id string, h *Handle)) (*DocumentCache, error) {
	if capacity <= 0 {
		capacity = DefaultCacheCapacity
	}
	c := &DocumentCache{capacity: capacity, onEvict: onEvict}
	l, err := simplelru.NewLRU(capacity, c.evicted)
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

func (c *DocumentCache) evicted(key, value any) {
	if c.closed || c.onEvict == nil {
		return
	}
	c.onEvict(key.(string), value.(*Handle))
}

// Get is a cache-only lookup that refreshes recency on hit.
func (c *DocumentCache) Get(id string) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(id)
	if !ok {
		return nil, false
	}
	return v.(*Handle), true
}

// Peek looks up id without touching recency.
func (c *DocumentCache) Peek(id string) (*Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Peek(id)
	if !ok {
		return nil, false
	}
	return v.(*Handle), true
}

// Put inserts or replaces the handle for id, evicting the least recently used
// entry when full. Fails with core.ErrClosed after RemoveAll.
func (c *DocumentCache) Put(id string, h *Handle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrClosed
	}
	c.lru.Add(id, h)
	return nil
}

// GetOrPut returns the resident handle for id, inserting h when there is none.
func (c *DocumentCache) GetOrPut(id string, h *Handle) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, core.ErrClosed
	}
	if v, ok := c.lru.Get(id); ok {
		return v.(*Handle), nil
	}
	c.lru.Add(id, h)
	return h, nil
}

// EvictLeastRecentlyUsed drops the oldest entry, if any.
func (c *DocumentCache) EvictLeastRecentlyUsed() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k, _, ok := c.lru.RemoveOldest()
	if !ok {
		return "", false
	}
	return k.(string), true
}

// Remove drops id from the cache.
func (c *DocumentCache) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Remove(id)
}

// RemoveAll evicts every entry, detaches the evicted handles and closes the cache.
func (c *DocumentCache) RemoveAll() []*Handle {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true

	keys := c.lru.Keys()
	out := make([]*Handle, 0, len(keys))
	for _, k := range keys {
		if v, ok := c.lru.Peek(k); ok {
			h := v.(*Handle)
			h.detached.Store(true)
			out = append(out, h)
		}
	}
	c.lru.Purge()
	return out
}

// Keys lists resident identifiers from least to most recently used.
func (c *DocumentCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := c.lru.Keys()
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = k.(string)
	}
	return out
}

func (c *DocumentCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *DocumentCache) Capacity() int {
	return c.capacity
}

func (c *DocumentCache) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

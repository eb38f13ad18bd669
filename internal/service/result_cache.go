package service

import (
	"container/list"
	"sync"
)

type cached[V any] struct {
	key   uint64
	value V
}

// ResultCache is a bounded least-recently-used map from a content hash to a
// derived result. Reads reorder entries, so every access takes the lock.
type ResultCache[V any] struct {
	mu    sync.Mutex
	limit int
	order *list.List // front is most recent
	index map[uint64]*list.Element
}

// NewResultCache returns a cache holding at most limit entries (minimum 1).
func NewResultCache[V any](limit int) *ResultCache[V] {
	limit = max(limit, 1)
	return &ResultCache[V]{
		limit: limit,
		order: list.New(),
		index: make(map[uint64]*list.Element, limit),
	}
}

// Get returns the value for key and marks it most recently used.
func (c *ResultCache[V]) Get(key uint64) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.index[key]
	if !ok {
		var zero V
		return zero, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cached[V]).value, true
}

// Put stores value under key, evicting the least recently used entry when
// the cache is full.
func (c *ResultCache[V]) Put(key uint64, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.index[key]; ok {
		el.Value.(*cached[V]).value = value
		c.order.MoveToFront(el)
		return
	}
	if c.order.Len() >= c.limit {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.index, oldest.Value.(*cached[V]).key)
	}
	c.index[key] = c.order.PushFront(&cached[V]{key: key, value: value})
}

// Clear drops every entry.
func (c *ResultCache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	clear(c.index)
}

// Size reports the number of cached entries.
func (c *ResultCache[V]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

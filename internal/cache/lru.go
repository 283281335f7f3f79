package cache

import (
	"container/list"
	"sync"
	"time"
)

// Entry is a cached value together with the time it was stored.
type Entry[T any] struct {
	Value    T
	StoredAt time.Time
}

// Age reports how long ago the entry was stored, relative to now.
func (e Entry[T]) Age(now time.Time) time.Duration {
	return now.Sub(e.StoredAt)
}

// Fresh reports whether the entry is younger than ttl at now.
func (e Entry[T]) Fresh(ttl time.Duration, now time.Time) bool {
	return e.Age(now) < ttl
}

// LRUCache is a size-bounded cache that never drops entries for age.
// Expired entries stay readable so callers can fall back to them.
type LRUCache[T any] struct {
	mu      sync.Mutex
	maxSize int
	items   map[string]*list.Element
	lru     *list.List
}

type cacheItem[T any] struct {
	key   string
	entry Entry[T]
}

// NewLRUCache creates a cache holding at most maxSize entries. A
// non-positive maxSize means unbounded.
func NewLRUCache[T any](maxSize int) *LRUCache[T] {
	return &LRUCache[T]{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		lru:     list.New(),
	}
}

// Get returns the entry for key, whatever its age.
func (c *LRUCache[T]) Get(key string) (Entry[T], bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, exists := c.items[key]
	if !exists {
		return Entry[T]{}, false
	}
	c.lru.MoveToFront(elem)
	return elem.Value.(*cacheItem[T]).entry, true
}

// Set stores data under key, stamped with storedAt.
func (c *LRUCache[T]) Set(key string, data T, storedAt time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	item := &cacheItem[T]{key: key, entry: Entry[T]{Value: data, StoredAt: storedAt}}
	if elem, exists := c.items[key]; exists {
		elem.Value = item
		c.lru.MoveToFront(elem)
		return
	}

	elem := c.lru.PushFront(item)
	c.items[key] = elem

	if c.maxSize > 0 && c.lru.Len() > c.maxSize {
		if oldest := c.lru.Back(); oldest != nil {
			c.removeElement(oldest)
		}
	}
}

// Delete removes a key from the cache
func (c *LRUCache[T]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, exists := c.items[key]; exists {
		c.removeElement(elem)
	}
}

func (c *LRUCache[T]) removeElement(elem *list.Element) {
	item := elem.Value.(*cacheItem[T])
	delete(c.items, item.key)
	c.lru.Remove(elem)
}

// Expired returns the keys of entries at least ttl old at now, most
// recently used first.
func (c *LRUCache[T]) Expired(ttl time.Duration, now time.Time) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	var keys []string
	for elem := c.lru.Front(); elem != nil; elem = elem.Next() {
		item := elem.Value.(*cacheItem[T])
		if !item.entry.Fresh(ttl, now) {
			keys = append(keys, item.key)
		}
	}
	return keys
}

// Size returns the current number of items in the cache
func (c *LRUCache[T]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

package cache

import (
	"container/list"
	"sync"
)

// Stats holds cache statistics.
type Stats struct {
	Hits      int64 // Number of cache hits
	Misses    int64 // Number of cache misses
	Size      int   // Current number of entries
	Capacity  int   // Maximum capacity
	Evictions int64 // Number of evicted entries
}

// LRU is a threadsafe least-recently-used cache.
type LRU[V any] struct {
	mu       sync.Mutex
	ll       *list.List
	items    map[string]*list.Element
	capacity int
	stats    Stats
}

type entry[V any] struct {
	key   string
	value V
}

// New returns a cache holding at most capacity entries.
func New[V any](capacity int) *LRU[V] {
	if capacity <= 0 {
		capacity = 1024
	}
	return &LRU[V]{
		ll:       list.New(),
		items:    make(map[string]*list.Element),
		capacity: capacity,
	}
}

// Get retrieves a value if present.
func (c *LRU[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.items[key]; ok {
		c.ll.MoveToFront(ele)
		c.stats.Hits++
		return ele.Value.(*entry[V]).value, true
	}
	c.stats.Misses++
	var zero V
	return zero, false
}

// Set inserts or updates a cache entry.
func (c *LRU[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ele, ok := c.items[key]; ok {
		c.ll.MoveToFront(ele)
		ele.Value.(*entry[V]).value = value
		return
	}
	if c.ll.Len() >= c.capacity {
		c.evictOldest()
	}
	c.items[key] = c.ll.PushFront(&entry[V]{key: key, value: value})
}

// GetOrLoad returns the cached value for key, calling load on a miss and
// caching its result when it succeeds.
func (c *LRU[V]) GetOrLoad(key string, load func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}
	v, err := load()
	if err != nil {
		return v, err
	}
	c.Set(key, v)
	return v, nil
}

func (c *LRU[V]) evictOldest() {
	if ele := c.ll.Back(); ele != nil {
		c.removeElement(ele)
		c.stats.Evictions++
	}
}

func (c *LRU[V]) removeElement(ele *list.Element) {
	c.ll.Remove(ele)
	delete(c.items, ele.Value.(*entry[V]).key)
}

// Stats returns current cache statistics.
func (c *LRU[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = c.ll.Len()
	s.Capacity = c.capacity
	return s
}

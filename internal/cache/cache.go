// Package cache implements the bounded in-process hot layer in front of
// the persistent store.
//
// Eviction is priority-then-recency: when full, the entry with the lowest
// priority goes first; among equal priorities, the least recently accessed
// one. TTLs expire entries lazily on read and via Sweep. The cache is not
// correctness-critical - a miss always falls through to the store - so its
// only failure mode is eviction, never an error.
package cache

import (
	"container/heap"
	"sync"
	"time"
)

type entry struct {
	key       string
	value     any
	priority  int
	expiresAt time.Time // zero = no TTL
	access    uint64    // monotonic access stamp
	index     int       // heap position
}

// Stats captures cache counters for observability.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
}

// Cache is a bounded key-value map with TTL and priority-aware eviction.
// Safe for concurrent use.
type Cache struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*entry
	order    evictHeap
	clock    uint64

	hits      uint64
	misses    uint64
	evictions uint64

	now func() time.Time
}

// New creates a cache holding at most capacity entries.
func New(capacity int) *Cache {
	if capacity <= 0 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		items:    make(map[string]*entry, capacity),
		now:      time.Now,
	}
}

// Get returns the cached value. A hit does not refresh the entry's TTL;
// it only marks the entry as recently accessed for eviction ordering.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if !e.expiresAt.IsZero() && !e.expiresAt.After(c.now()) {
		c.removeLocked(e)
		c.misses++
		return nil, false
	}

	c.clock++
	e.access = c.clock
	heap.Fix(&c.order, e.index)
	c.hits++
	return e.value, true
}

// Put inserts or replaces an entry. Inserting beyond capacity evicts
// exactly one entry under priority-then-recency.
func (c *Cache) Put(key string, value any, priority int, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.clock++
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = c.now().Add(ttl)
	}

	if e, ok := c.items[key]; ok {
		e.value = value
		e.priority = priority
		e.expiresAt = expiresAt
		e.access = c.clock
		heap.Fix(&c.order, e.index)
		return
	}

	if len(c.items) >= c.capacity {
		victim := heap.Pop(&c.order).(*entry)
		delete(c.items, victim.key)
		c.evictions++
	}

	e := &entry{key: key, value: value, priority: priority, expiresAt: expiresAt, access: c.clock}
	c.items[key] = e
	heap.Push(&c.order, e)
}

// Invalidate removes an entry. Called on every successful store write to
// that key so stale copies never serve reads.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[key]; ok {
		c.removeLocked(e)
	}
}

// Sweep drops all expired entries and returns how many were removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var expired []*entry
	for _, e := range c.items {
		if !e.expiresAt.IsZero() && !e.expiresAt.After(now) {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		c.removeLocked(e)
	}
	return len(expired)
}

// Stats returns a snapshot of the counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      len(c.items),
		Capacity:  c.capacity,
	}
}

// Len returns the current entry count.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache) removeLocked(e *entry) {
	heap.Remove(&c.order, e.index)
	delete(c.items, e.key)
}

// evictHeap orders entries worst-first: lowest priority, then least
// recently accessed.
type evictHeap []*entry

func (h evictHeap) Len() int { return len(h) }

func (h evictHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority < h[j].priority
	}
	return h[i].access < h[j].access
}

func (h evictHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *evictHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *evictHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

package cache

import (
	"context"
	"sync"
)

type lruNode struct {
	key   string
	entry *Entry
	size  int
	prev  *lruNode
	next  *lruNode
}

// MemoryCache is an in-process LRU store bounded by entry count.
type MemoryCache struct {
	mu         sync.Mutex
	items      map[string]*lruNode
	head       *lruNode
	tail       *lruNode
	maxEntries int
	bytes      int
}

// NewMemoryCache creates an LRU cache holding at most maxEntries entries.
func NewMemoryCache(maxEntries int) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 1024
	}
	return &MemoryCache{
		items:      make(map[string]*lruNode, maxEntries),
		maxEntries: maxEntries,
	}
}

// Initialize is a no-op for the memory cache.
func (c *MemoryCache) Initialize(ctx context.Context) error {
	return nil
}

// Get returns a copy of the entry for key.
func (c *MemoryCache) Get(ctx context.Context, key string) (*Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.items[key]
	if !ok {
		CacheMisses.WithLabelValues(layerMemory).Inc()
		return nil, ErrCacheMiss
	}
	c.moveToFront(n)
	CacheHits.WithLabelValues(layerMemory).Inc()
	return n.entry.Clone(), nil
}

// Put stores a copy of entry under key, evicting the least recently used
// entry when the cache is full.
func (c *MemoryCache) Put(ctx context.Context, key string, entry *Entry) error {
	if entry == nil {
		return ErrInvalidEntry
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	stored := entry.Clone()
	if n, ok := c.items[key]; ok {
		c.bytes += len(stored.Data) - n.size
		n.entry = stored
		n.size = len(stored.Data)
		c.moveToFront(n)
		CacheSize.WithLabelValues(layerMemory).Set(float64(c.bytes))
		return nil
	}

	n := &lruNode{key: key, entry: stored, size: len(stored.Data)}
	c.items[key] = n
	c.addToFront(n)
	c.bytes += n.size

	for len(c.items) > c.maxEntries {
		c.evictOldest()
	}
	CacheSize.WithLabelValues(layerMemory).Set(float64(c.bytes))
	return nil
}

// Invalidate forces revalidation of the entry for key, if present.
func (c *MemoryCache) Invalidate(ctx context.Context, key string, fullExpire bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n, ok := c.items[key]; ok {
		invalidate(n.entry, fullExpire)
	}
	return nil
}

// Remove deletes the entry for key.
func (c *MemoryCache) Remove(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if n, ok := c.items[key]; ok {
		c.unlink(n)
		delete(c.items, key)
		c.bytes -= n.size
		CacheSize.WithLabelValues(layerMemory).Set(float64(c.bytes))
	}
	return nil
}

// Clear drops every entry.
func (c *MemoryCache) Clear(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.items = make(map[string]*lruNode, c.maxEntries)
	c.head = nil
	c.tail = nil
	c.bytes = 0
	CacheSize.WithLabelValues(layerMemory).Set(0)
	return nil
}

// Len returns the number of stored entries.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *MemoryCache) addToFront(n *lruNode) {
	n.prev = nil
	n.next = c.head
	if c.head != nil {
		c.head.prev = n
	}
	c.head = n
	if c.tail == nil {
		c.tail = n
	}
}

func (c *MemoryCache) moveToFront(n *lruNode) {
	if c.head == n {
		return
	}
	c.unlink(n)
	c.addToFront(n)
}

func (c *MemoryCache) unlink(n *lruNode) {
	if n.prev != nil {
		n.prev.next = n.next
	} else {
		c.head = n.next
	}
	if n.next != nil {
		n.next.prev = n.prev
	} else {
		c.tail = n.prev
	}
	n.prev = nil
	n.next = nil
}

func (c *MemoryCache) evictOldest() {
	if c.tail == nil {
		return
	}
	oldest := c.tail
	c.unlink(oldest)
	delete(c.items, oldest.key)
	c.bytes -= oldest.size
	CacheEvictions.WithLabelValues(layerMemory).Inc()
}

package cache

import (
	"container/list"
	"sync"
	"time"

	"cashmanager/internal/metrics"
)

// Eviction reasons reported to metrics.
const (
	reasonCapacity = "capacity"
	reasonExpired  = "expired"
)

// LRUCache bounds both the age and the number of its entries. Reading an
// entry refreshes its recency but not its expiry.
type LRUCache[T any] struct {
	name    string
	mu      sync.Mutex
	maxSize int
	ttl     time.Duration
	entries map[string]*list.Element
	order   *list.List
	now     func() time.Time
}

type entry[T any] struct {
	key       string
	value     T
	expiresAt time.Time
}

// NewLRUCache returns an empty cache. name labels its metrics; maxSize <= 0
// leaves the size unbounded.
func NewLRUCache[T any](name string, maxSize int, ttl time.Duration) *LRUCache[T] {
	return &LRUCache[T]{
		name:    name,
		maxSize: maxSize,
		ttl:     ttl,
		entries: make(map[string]*list.Element),
		order:   list.New(),
		now:     time.Now,
	}
}

func (c *LRUCache[T]) Get(key string) (T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero T
	elem, ok := c.entries[key]
	if !ok {
		metrics.RecordCacheLookup(c.name, false)
		return zero, false
	}
	e := elem.Value.(*entry[T])
	if c.now().After(e.expiresAt) {
		c.remove(elem)
		metrics.RecordCacheEviction(c.name, reasonExpired, 1)
		metrics.RecordCacheLookup(c.name, false)
		return zero, false
	}

	c.order.MoveToFront(elem)
	metrics.RecordCacheLookup(c.name, true)
	return e.value, true
}

// Set stores value under key with a fresh expiry, evicting the least
// recently used entries beyond maxSize.
func (c *LRUCache[T]) Set(key string, value T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := &entry[T]{key: key, value: value, expiresAt: c.now().Add(c.ttl)}
	if elem, ok := c.entries[key]; ok {
		elem.Value = e
		c.order.MoveToFront(elem)
		return
	}

	c.entries[key] = c.order.PushFront(e)
	evicted := 0
	for c.maxSize > 0 && c.order.Len() > c.maxSize {
		c.remove(c.order.Back())
		evicted++
	}
	metrics.RecordCacheEviction(c.name, reasonCapacity, evicted)
}

func (c *LRUCache[T]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.entries[key]; ok {
		c.remove(elem)
	}
}

func (c *LRUCache[T]) remove(elem *list.Element) {
	delete(c.entries, elem.Value.(*entry[T]).key)
	c.order.Remove(elem)
}

// CleanExpired drops every expired entry and returns how many were dropped.
func (c *LRUCache[T]) CleanExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for elem := c.order.Front(); elem != nil; {
		next := elem.Next()
		if now.After(elem.Value.(*entry[T]).expiresAt) {
			c.remove(elem)
			removed++
		}
		elem = next
	}
	metrics.RecordCacheEviction(c.name, reasonExpired, removed)
	return removed
}

func (c *LRUCache[T]) Size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

package cache

import (
	"container/list"
	"sync"

	"github.com/gatewatch/gatewatch/errors"
)

// fifoEntry represents an entry in the FIFO cache.
type fifoEntry[V any] struct {
	key   string
	value V
}

// fifoCache is a thread-safe bounded cache that evicts the
// oldest-inserted entry when the maximum size is exceeded. Unlike an LRU,
// reads do not reorder entries: insertion order alone decides eviction,
// which keeps long-lived hot entries from pinning the cache forever.
type fifoCache[V any] struct {
	mu      sync.RWMutex
	maxSize int
	items   map[string]*list.Element // key -> list element
	order   *list.List               // insertion order, oldest at front
	stats   *Statistics
	metrics *cacheMetrics
	evictFn EvictCallback[V]
}

// NewFIFOCache creates a bounded cache with oldest-inserted-first eviction.
// Returns an error if metrics registration fails when requested.
func NewFIFOCache[V any](maxSize int, options ...Option[V]) (Cache[V], error) {
	opts := applyOptions(options...)
	if maxSize <= 0 {
		maxSize = 1
	}

	var metrics *cacheMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newCacheMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewFIFOCache", "metrics registration")
		}
	}

	return &fifoCache[V]{
		maxSize: maxSize,
		items:   make(map[string]*list.Element),
		order:   list.New(),
		stats:   NewStatistics(),
		metrics: metrics,
		evictFn: opts.evictCallback,
	}, nil
}

// Get retrieves a value by key. Does not affect eviction order.
func (c *fifoCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	element, exists := c.items[key]
	c.mu.RUnlock()

	if !exists {
		var zero V
		c.stats.Miss()
		c.metrics.recordMiss()
		return zero, false
	}

	c.stats.Hit()
	c.metrics.recordHit()
	return element.Value.(*fifoEntry[V]).value, true
}

// Set stores a value, evicting the oldest-inserted entry when full.
func (c *fifoCache[V]) Set(key string, value V) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()

	if element, exists := c.items[key]; exists {
		// Update in place; insertion position is unchanged.
		element.Value.(*fifoEntry[V]).value = value
		size := len(c.items)
		c.mu.Unlock()

		c.stats.Set()
		c.metrics.recordSet(size)
		return false, nil
	}

	var evicted *fifoEntry[V]
	if len(c.items) >= c.maxSize {
		oldest := c.order.Front()
		if oldest != nil {
			evicted = oldest.Value.(*fifoEntry[V])
			c.order.Remove(oldest)
			delete(c.items, evicted.key)
		}
	}

	entry := &fifoEntry[V]{key: key, value: value}
	c.items[key] = c.order.PushBack(entry)
	size := len(c.items)
	c.mu.Unlock()

	c.stats.Set()
	c.stats.UpdateSize(int64(size))
	c.metrics.recordSet(size)
	if evicted != nil {
		c.stats.Eviction()
		c.metrics.recordEviction(size)
		if c.evictFn != nil {
			c.evictFn(evicted.key, evicted.value)
		}
	}
	return true, nil
}

// Delete removes an entry by key.
func (c *fifoCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	element, exists := c.items[key]
	if exists {
		c.order.Remove(element)
		delete(c.items, key)
	}
	size := len(c.items)
	c.mu.Unlock()

	if exists {
		c.stats.Delete()
		c.stats.UpdateSize(int64(size))
		c.metrics.recordSize(size)
	}
	return exists, nil
}

// Clear removes all entries.
func (c *fifoCache[V]) Clear() error {
	c.mu.Lock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
	c.mu.Unlock()

	c.stats.UpdateSize(0)
	c.metrics.recordSize(0)
	return nil
}

// Size returns the current number of entries.
func (c *fifoCache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Keys returns all keys in insertion order, oldest first.
func (c *fifoCache[V]) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.items))
	for e := c.order.Front(); e != nil; e = e.Next() {
		keys = append(keys, e.Value.(*fifoEntry[V]).key)
	}
	return keys
}

// Stats returns cache statistics.
func (c *fifoCache[V]) Stats() *Statistics {
	return c.stats
}

// Close releases resources. The FIFO cache has no background work.
func (c *fifoCache[V]) Close() error {
	return c.Clear()
}

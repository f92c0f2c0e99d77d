package cache

import (
	"sync"
	"time"

	"github.com/gatewatch/gatewatch/errors"
)

// ttlEntry represents an entry in the TTL cache.
type ttlEntry[V any] struct {
	key       string
	value     V
	expiresAt time.Time
}

func (e *ttlEntry[V]) isExpired() bool {
	return time.Now().After(e.expiresAt)
}

// TTLCache is a thread-safe cache with time-based expiry. Entries use the
// cache's default TTL unless set with SetWithTTL; the stats layer relies on
// the override to keep live-range summaries fresher than historical ones.
type TTLCache[V any] struct {
	mu         sync.RWMutex
	defaultTTL time.Duration
	items      map[string]*ttlEntry[V]
	stats      *Statistics
	metrics    *cacheMetrics
	evictFn    EvictCallback[V]

	shutdown chan struct{}
	done     chan struct{}
	once     sync.Once
}

// NewTTLCache creates a TTL cache with a default TTL and background sweep.
// Returns an error if metrics registration fails when requested.
func NewTTLCache[V any](defaultTTL time.Duration, options ...Option[V]) (*TTLCache[V], error) {
	opts := applyOptions(options...)
	if defaultTTL <= 0 {
		defaultTTL = time.Minute
	}

	var metrics *cacheMetrics
	if opts.metricsReg != nil && opts.metricsPrefix != "" {
		var err error
		metrics, err = newCacheMetrics(opts.metricsReg, opts.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "cache", "NewTTLCache", "metrics registration")
		}
	}

	c := &TTLCache[V]{
		defaultTTL: defaultTTL,
		items:      make(map[string]*ttlEntry[V]),
		stats:      NewStatistics(),
		metrics:    metrics,
		evictFn:    opts.evictCallback,
		shutdown:   make(chan struct{}),
		done:       make(chan struct{}),
	}

	go c.sweep(opts.cleanupInterval)

	return c, nil
}

// Get retrieves a value by key, checking for expiration.
func (c *TTLCache[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	entry, exists := c.items[key]
	c.mu.RUnlock()

	if !exists || entry.isExpired() {
		if exists {
			// Lazily drop the expired entry.
			c.mu.Lock()
			if current, still := c.items[key]; still && current.isExpired() {
				delete(c.items, key)
			}
			c.mu.Unlock()
		}
		var zero V
		c.stats.Miss()
		c.metrics.recordMiss()
		return zero, false
	}

	c.stats.Hit()
	c.metrics.recordHit()
	return entry.value, true
}

// Set stores a value with the cache's default TTL.
func (c *TTLCache[V]) Set(key string, value V) (bool, error) {
	return c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL stores a value with an explicit TTL override.
func (c *TTLCache[V]) SetWithTTL(key string, value V, ttl time.Duration) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	_, existed := c.items[key]
	c.items[key] = &ttlEntry[V]{key: key, value: value, expiresAt: time.Now().Add(ttl)}
	size := len(c.items)
	c.mu.Unlock()

	c.stats.Set()
	c.stats.UpdateSize(int64(size))
	c.metrics.recordSet(size)
	return !existed, nil
}

// Delete removes an entry by key.
func (c *TTLCache[V]) Delete(key string) (bool, error) {
	if err := validateKey(key); err != nil {
		return false, err
	}

	c.mu.Lock()
	_, exists := c.items[key]
	delete(c.items, key)
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
func (c *TTLCache[V]) Clear() error {
	c.mu.Lock()
	c.items = make(map[string]*ttlEntry[V])
	c.mu.Unlock()

	c.stats.UpdateSize(0)
	c.metrics.recordSize(0)
	return nil
}

// Size returns the current number of entries, including not-yet-swept
// expired ones.
func (c *TTLCache[V]) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Keys returns all unexpired keys.
func (c *TTLCache[V]) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	keys := make([]string, 0, len(c.items))
	for k, e := range c.items {
		if !e.isExpired() {
			keys = append(keys, k)
		}
	}
	return keys
}

// Stats returns cache statistics.
func (c *TTLCache[V]) Stats() *Statistics {
	return c.stats
}

// Close stops the background sweep.
func (c *TTLCache[V]) Close() error {
	c.once.Do(func() {
		close(c.shutdown)
		<-c.done
	})
	return nil
}

func (c *TTLCache[V]) sweep(interval time.Duration) {
	defer close(c.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.shutdown:
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

func (c *TTLCache[V]) sweepExpired() {
	var evicted []*ttlEntry[V]

	c.mu.Lock()
	for k, e := range c.items {
		if e.isExpired() {
			delete(c.items, k)
			evicted = append(evicted, e)
		}
	}
	size := len(c.items)
	c.mu.Unlock()

	for _, e := range evicted {
		c.stats.Eviction()
		c.metrics.recordEviction(size)
		if c.evictFn != nil {
			c.evictFn(e.key, e.value)
		}
	}
	c.stats.UpdateSize(int64(size))
}

// Ensure TTLCache satisfies the Cache interface.
var _ Cache[int] = (*TTLCache[int])(nil)

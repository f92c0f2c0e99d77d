// Package cache provides generic, thread-safe cache implementations used
// by the GeoIP enrichment service and the stats layer.
//
// This package offers two cache types:
//   - FIFOCache: bounded size, evicts the oldest-inserted entry first
//   - TTLCache: time-based expiry with per-entry TTL override
//
// All cache implementations are thread-safe with built-in statistics
// (always enabled for observability) and optional Prometheus metrics
// integration via functional options.
package cache

import (
	"github.com/gatewatch/gatewatch/errors"
)

// Cache represents a generic cache interface that all cache implementations
// must satisfy. The cache is parameterized by value type V for type safety.
type Cache[V any] interface {
	// Get retrieves a value by key. Returns the value and true if found,
	// zero value and false otherwise.
	Get(key string) (V, bool)

	// Set stores a value with the given key. Returns true if a new entry
	// was created, false if an existing entry was updated.
	Set(key string, value V) (bool, error)

	// Delete removes an entry by key. Returns true if the key existed.
	Delete(key string) (bool, error)

	// Clear removes all entries from the cache.
	Clear() error

	// Size returns the current number of entries in the cache.
	Size() int

	// Keys returns a slice of all keys currently in the cache.
	Keys() []string

	// Stats returns cache statistics.
	Stats() *Statistics

	// Close shuts down the cache and releases any resources.
	Close() error
}

// EvictCallback is called when an entry is evicted from the cache.
type EvictCallback[V any] func(key string, value V)

// validateKey validates a cache key for basic requirements.
func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}

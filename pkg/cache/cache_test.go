package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFIFOCache_BasicOperations(t *testing.T) {
	c, err := NewFIFOCache[string](10)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	created, err := c.Set("a", "1")
	require.NoError(t, err)
	assert.True(t, created)

	created, err = c.Set("a", "2")
	require.NoError(t, err)
	assert.False(t, created, "second set of same key updates")

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, "2", v)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	deleted, err := c.Delete("a")
	require.NoError(t, err)
	assert.True(t, deleted)
	assert.Equal(t, 0, c.Size())
}

func TestFIFOCache_EvictsOldestInserted(t *testing.T) {
	var evictedKeys []string
	c, err := NewFIFOCache[int](3, WithEvictionCallback[int](func(key string, _ int) {
		evictedKeys = append(evictedKeys, key)
	}))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	for i, k := range []string{"first", "second", "third"} {
		_, err := c.Set(k, i)
		require.NoError(t, err)
	}

	// Reading "first" must NOT protect it: eviction order is insertion
	// order, not access order.
	_, ok := c.Get("first")
	require.True(t, ok)

	_, err = c.Set("fourth", 4)
	require.NoError(t, err)

	assert.Equal(t, []string{"first"}, evictedKeys)
	_, ok = c.Get("first")
	assert.False(t, ok)
	assert.Equal(t, []string{"second", "third", "fourth"}, c.Keys())
}

func TestFIFOCache_UpdateKeepsInsertionPosition(t *testing.T) {
	c, err := NewFIFOCache[int](2)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	_, _ = c.Set("old", 1)
	_, _ = c.Set("new", 2)
	_, _ = c.Set("old", 3) // update, still oldest

	_, err = c.Set("newest", 4)
	require.NoError(t, err)

	_, ok := c.Get("old")
	assert.False(t, ok, "updated entry keeps its original insertion slot")
	_, ok = c.Get("new")
	assert.True(t, ok)
}

func TestFIFOCache_EmptyKeyRejected(t *testing.T) {
	c, err := NewFIFOCache[int](2)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	_, err = c.Set("", 1)
	assert.Error(t, err)
}

func TestFIFOCache_Stats(t *testing.T) {
	c, err := NewFIFOCache[int](2)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	_, _ = c.Set("a", 1)
	_, _ = c.Get("a")
	_, _ = c.Get("b")

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Hits())
	assert.Equal(t, int64(1), stats.Misses())
	assert.InDelta(t, 0.5, stats.HitRate(), 0.001)
}

func TestTTLCache_ExpiryAndOverride(t *testing.T) {
	c, err := NewTTLCache[string](20*time.Millisecond, WithCleanupInterval[string](5*time.Millisecond))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	_, err = c.Set("short", "v")
	require.NoError(t, err)
	_, err = c.SetWithTTL("long", "v", 500*time.Millisecond)
	require.NoError(t, err)

	v, ok := c.Get("short")
	require.True(t, ok)
	assert.Equal(t, "v", v)

	time.Sleep(50 * time.Millisecond)

	_, ok = c.Get("short")
	assert.False(t, ok, "default-TTL entry expired")
	_, ok = c.Get("long")
	assert.True(t, ok, "override-TTL entry still live")
}

func TestTTLCache_SweepEvicts(t *testing.T) {
	evicted := make(chan string, 4)
	c, err := NewTTLCache[int](10*time.Millisecond,
		WithCleanupInterval[int](5*time.Millisecond),
		WithEvictionCallback[int](func(key string, _ int) { evicted <- key }))
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	_, _ = c.Set("gone", 1)

	select {
	case key := <-evicted:
		assert.Equal(t, "gone", key)
	case <-time.After(time.Second):
		t.Fatal("sweep did not evict expired entry")
	}
}

func TestTTLCache_ClearAndKeys(t *testing.T) {
	c, err := NewTTLCache[int](time.Minute)
	require.NoError(t, err)
	defer func() { _ = c.Close() }()

	_, _ = c.Set("a", 1)
	_, _ = c.Set("b", 2)
	assert.ElementsMatch(t, []string{"a", "b"}, c.Keys())

	require.NoError(t, c.Clear())
	assert.Equal(t, 0, c.Size())
}

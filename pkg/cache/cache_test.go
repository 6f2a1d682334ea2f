package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSet(t *testing.T) {
	c := New("test", 10, time.Minute)

	c.Set("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
}

func TestTTLExpiry(t *testing.T) {
	c := New("test", 10, time.Minute)

	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("a", 1)

	// Just inside the TTL.
	c.now = func() time.Time { return now.Add(59 * time.Second) }
	_, ok := c.Get("a")
	assert.True(t, ok)

	// At the TTL boundary the entry is no longer fresh.
	c.now = func() time.Time { return now.Add(time.Minute) }
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestLRUEviction(t *testing.T) {
	c := New("test", 3, time.Minute)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	// Touch "a" so "b" becomes least recently used.
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("d", 4)

	_, ok = c.Get("b")
	assert.False(t, ok, "least recently used entry should be evicted")

	for _, key := range []string{"a", "c", "d"} {
		_, ok := c.Get(key)
		assert.True(t, ok, "entry %q should survive", key)
	}
	assert.Equal(t, 3, c.Len())
}

func TestEvictionPrefersExpiredEntries(t *testing.T) {
	c := New("test", 2, time.Minute)

	now := time.Now()
	c.now = func() time.Time { return now }
	c.Set("old", 1)

	c.now = func() time.Time { return now.Add(2 * time.Minute) }
	c.Set("fresh", 2)
	c.Set("overflow", 3)

	// The expired entry goes first even though "fresh" is older in LRU order
	// than "overflow".
	_, ok := c.Get("fresh")
	assert.True(t, ok)
	_, ok = c.Get("overflow")
	assert.True(t, ok)
	_, ok = c.Get("old")
	assert.False(t, ok)
}

func TestInvalidate(t *testing.T) {
	c := New("test", 10, time.Minute)

	c.Set("a", 1)
	c.Invalidate("a")
	_, ok := c.Get("a")
	assert.False(t, ok)

	// Missing key is a no-op.
	c.Invalidate("missing")
}

func TestInvalidatePrefix(t *testing.T) {
	c := New("test", 20, time.Minute)

	c.Set("memory:episodic:1", "e1")
	c.Set("memory:episodic:2", "e2")
	c.Set("memory:semantic:1", "s1")

	c.InvalidatePrefix("memory:episodic:")

	_, ok := c.Get("memory:episodic:1")
	assert.False(t, ok)
	_, ok = c.Get("memory:episodic:2")
	assert.False(t, ok)
	_, ok = c.Get("memory:semantic:1")
	assert.True(t, ok)
}

func TestSetResetsTTL(t *testing.T) {
	c := New("test", 10, time.Minute)

	now := time.Now()
	c.now = func() time.Time { return now }
	c.Set("a", 1)

	c.now = func() time.Time { return now.Add(50 * time.Second) }
	c.Set("a", 2)

	c.now = func() time.Time { return now.Add(100 * time.Second) }
	v, ok := c.Get("a")
	require.True(t, ok, "rewrite should reset the TTL clock")
	assert.Equal(t, 2, v)
}

func TestBoundaryExactlyOneEvicted(t *testing.T) {
	const size = 100
	c := New("test", size, time.Minute)

	for i := 0; i <= size; i++ {
		c.Set(fmt.Sprintf("key-%d", i), i)
	}

	assert.Equal(t, size, c.Len())
	_, ok := c.Get("key-0")
	assert.False(t, ok, "oldest entry should be the one evicted")
	_, ok = c.Get("key-1")
	assert.True(t, ok)
}

func TestConcurrentAccess(t *testing.T) {
	c := New("test", 50, time.Minute)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("key-%d", i%60)
				c.Set(key, i)
				c.Get(key)
				if i%17 == 0 {
					c.Invalidate(key)
				}
				if i%41 == 0 {
					c.InvalidatePrefix("key-1")
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, c.Len(), 50)
}

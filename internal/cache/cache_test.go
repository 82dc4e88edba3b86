package cache

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPutGet(t *testing.T) {
	c := New(4)

	c.Put("a", "alpha", 5, 0)
	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, "alpha", v)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	stats := c.Stats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestEvictsLowestPriority(t *testing.T) {
	c := New(3)
	c.Put("low", 1, 1, 0)
	c.Put("mid", 2, 5, 0)
	c.Put("high", 3, 9, 0)

	// One past capacity evicts exactly the lowest-priority entry.
	c.Put("new", 4, 5, 0)

	_, ok := c.Get("low")
	assert.False(t, ok)
	for _, key := range []string{"mid", "high", "new"} {
		_, ok := c.Get(key)
		assert.True(t, ok, key)
	}
	assert.Equal(t, uint64(1), c.Stats().Evictions)
	assert.Equal(t, 3, c.Len())
}

func TestEvictionTieBreaksLRU(t *testing.T) {
	c := New(3)
	c.Put("a", 1, 5, 0)
	c.Put("b", 2, 5, 0)
	c.Put("c", 3, 5, 0)

	// Touch a and c; b becomes the least recently used of the tie.
	c.Get("a")
	c.Get("c")

	c.Put("d", 4, 5, 0)

	_, ok := c.Get("b")
	assert.False(t, ok)
	_, ok = c.Get("a")
	assert.True(t, ok)
}

func TestReplaceDoesNotEvict(t *testing.T) {
	c := New(2)
	c.Put("a", 1, 5, 0)
	c.Put("b", 2, 5, 0)

	c.Put("a", 10, 5, 0)

	assert.Equal(t, 2, c.Len())
	assert.Equal(t, uint64(0), c.Stats().Evictions)
	v, _ := c.Get("a")
	assert.Equal(t, 10, v)
}

func TestTTLExpiryOnRead(t *testing.T) {
	c := New(4)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Put("a", 1, 5, time.Minute)

	_, ok := c.Get("a")
	require.True(t, ok)

	// A hit does not refresh the TTL.
	now = now.Add(61 * time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len())
}

func TestSweep(t *testing.T) {
	c := New(8)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Put("short", 1, 5, time.Second)
	c.Put("long", 2, 5, time.Hour)
	c.Put("forever", 3, 5, 0)

	now = now.Add(2 * time.Second)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 2, c.Len())

	_, ok := c.Get("long")
	assert.True(t, ok)
	_, ok = c.Get("forever")
	assert.True(t, ok)
}

func TestInvalidate(t *testing.T) {
	c := New(4)
	c.Put("a", 1, 5, 0)
	c.Invalidate("a")
	c.Invalidate("a") // second call is a no-op

	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestEvictionUnderChurn(t *testing.T) {
	c := New(10)
	for i := 0; i < 100; i++ {
		c.Put(fmt.Sprintf("k%d", i), i, 1+i%10, 0)
	}
	assert.Equal(t, 10, c.Len())
	assert.Equal(t, uint64(90), c.Stats().Evictions)

	// The survivors should skew toward high priorities; the final key
	// is always present since it was inserted last.
	_, ok := c.Get("k99")
	assert.True(t, ok)
}

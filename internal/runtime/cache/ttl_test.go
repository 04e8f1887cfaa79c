package cache

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }

func TestGetSetExpire(t *testing.T) {
	clk := &fakeClock{now: time.Unix(100, 0)}
	c := NewTTL[string, int](WithClock(clk.Now))

	_, ok := c.Get("a")
	assert.False(t, ok)

	c.Set("a", 1, time.Second)
	c.Set("neg", 0, 100*time.Millisecond)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	clk.now = clk.now.Add(200 * time.Millisecond)
	_, ok = c.Get("neg")
	assert.False(t, ok, "short ttl expires first")
	_, ok = c.Get("a")
	assert.True(t, ok)

	clk.now = clk.now.Add(time.Second)
	_, ok = c.Get("a")
	assert.False(t, ok)
	assert.Zero(t, c.Len())

	hits, misses := c.Stats()
	assert.Equal(t, uint64(2), hits)
	assert.Equal(t, uint64(3), misses)
}

func TestSetNonPositiveTTLDeletes(t *testing.T) {
	c := NewTTL[string, string]()
	c.Set("k", "v", time.Minute)
	c.Set("k", "v", 0)
	_, ok := c.Get("k")
	assert.False(t, ok)

	c.Set("k", "v", time.Minute)
	c.Delete("k")
	assert.Zero(t, c.Len())
}

func TestMaxEntriesEvictsExpiredThenOldest(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	c := NewTTL[string, int](WithMaxEntries(2), WithClock(clk.Now))

	c.Set("short", 1, time.Second)
	c.Set("long", 2, time.Hour)
	clk.now = clk.now.Add(2 * time.Second)

	c.Set("new", 3, time.Minute)
	assert.Equal(t, 2, c.Len())
	_, ok := c.Get("long")
	assert.True(t, ok)

	c.Set("newest", 4, time.Hour)
	assert.Equal(t, 2, c.Len())
	_, ok = c.Get("new")
	assert.False(t, ok, "entry closest to expiry is evicted")

	c.Set("long", 5, time.Hour)
	assert.Equal(t, 2, c.Len(), "overwrite does not evict")
}

func TestConcurrentAccess(t *testing.T) {
	c := NewTTL[string, int](WithMaxEntries(50))
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				k := strconv.Itoa(g*1000 + i)
				c.Set(k, i, time.Minute)
				c.Get(k)
			}
		}(g)
	}
	wg.Wait()
	assert.LessOrEqual(t, c.Len(), 50)
}

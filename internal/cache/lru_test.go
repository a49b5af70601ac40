package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestGetSet(t *testing.T) {
	c := NewLRU[string, int](4, time.Minute)
	c.Set("a", 1)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)

	c.Set("a", 2)
	v, _ = c.Get("a")
	assert.Equal(t, 2, v)
	assert.Equal(t, 1, c.Len())

	stats := c.Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRU[string, int](2, 0)
	c.Set("a", 1)
	c.Set("b", 2)
	c.Get("a")
	c.Set("c", 3)

	_, ok := c.Get("b")
	assert.False(t, ok, "b was least recently used")
	assert.Equal(t, []string{"c", "a"}, c.Keys())
	assert.Equal(t, uint64(1), c.Stats().Evictions)
}

func TestExpiry(t *testing.T) {
	clock := newClock()
	c := NewLRU[string, string](10, time.Minute, WithClock(clock.now))
	c.Set("old", "x")
	clock.advance(30 * time.Second)
	c.Set("new", "y")

	clock.advance(45 * time.Second)
	_, ok := c.Get("old")
	assert.False(t, ok)
	_, ok = c.Get("new")
	assert.True(t, ok)

	clock.advance(time.Minute)
	assert.Empty(t, c.Keys())
	assert.Equal(t, 1, c.Cleanup())
	assert.Zero(t, c.Len())
}

func TestSetRestartsTTL(t *testing.T) {
	clock := newClock()
	c := NewLRU[string, int](10, time.Minute, WithClock(clock.now))
	c.Set("k", 1)
	clock.advance(50 * time.Second)
	c.Set("k", 2)
	clock.advance(50 * time.Second)

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, 2, v)
}

func TestRemoveAndClear(t *testing.T) {
	c := NewLRU[string, int](10, 0)
	for i, k := range []string{"a", "b", "c", "d"} {
		c.Set(k, i)
	}
	assert.Equal(t, 2, c.Remove(func(_ string, v int) bool { return v%2 == 0 }))
	assert.ElementsMatch(t, []string{"b", "d"}, c.Keys())

	c.Delete("b")
	assert.Equal(t, 1, c.Len())

	c.Clear()
	assert.Zero(t, c.Len())
}

func TestToolKey(t *testing.T) {
	a := ToolKey("search", map[string]any{"q": "dentist", "near": "me"})
	b := ToolKey("search", map[string]any{"near": "me", "q": "dentist"})
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, ToolKey("book", map[string]any{"q": "dentist", "near": "me"}))
	assert.NotEqual(t, a, ToolKey("search", map[string]any{"q": "doctor", "near": "me"}))
	assert.Len(t, a, 64)
}

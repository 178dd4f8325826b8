package lru

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCacheGetPutRemove(t *testing.T) {
	c := New(2)
	_, ok := c.Get("box", "a")
	require.False(t, ok)

	c.Put("box", "a", "va")
	v, ok := c.Get("box", "a")
	require.True(t, ok)
	require.Equal(t, "va", v)

	c.Remove("box", "a")
	_, ok = c.Get("box", "a")
	require.False(t, ok)
}

func TestCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := New(2)
	c.Put("box", "a", 1)
	c.Put("box", "b", 2)
	// touch a so b becomes the eviction candidate
	_, _ = c.Get("box", "a")
	c.Put("box", "c", 3)

	_, ok := c.Get("box", "b")
	require.False(t, ok)
	_, ok = c.Get("box", "a")
	require.True(t, ok)
	_, ok = c.Get("box", "c")
	require.True(t, ok)
}

func TestCacheContainsDoesNotAffectRecency(t *testing.T) {
	c := New(2)
	c.Put("box", "a", 1)
	c.Put("box", "b", 2)
	// a is the eviction candidate; Contains must not move it to the head.
	require.True(t, c.Contains("box", "a"))
	c.Put("box", "c", 3)
	require.False(t, c.Contains("box", "a"))
}

func TestCacheClear(t *testing.T) {
	c := New(4)
	c.Put("box", "a", 1)
	c.Put("box", "b", 2)
	c.Clear()
	require.Equal(t, 0, c.Len())
}

func TestCacheDistinguishesBoxTagPairs(t *testing.T) {
	c := New(4)
	c.Put("box1", "x", "one")
	c.Put("box2", "x", "two")
	v1, _ := c.Get("box1", "x")
	v2, _ := c.Get("box2", "x")
	require.Equal(t, "one", v1)
	require.Equal(t, "two", v2)
}

package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestTTL_GetSetExpiry(t *testing.T) {
	c := &clock{t: time.Unix(1000, 0)}
	tc := New[string, int](time.Minute, 0).WithClock(c.now)

	_, ok := tc.Get("a")
	require.False(t, ok)

	tc.Set("a", 7)
	v, ok := tc.Get("a")
	require.True(t, ok)
	require.Equal(t, 7, v)

	c.advance(time.Minute + time.Second)
	_, ok = tc.Get("a")
	require.False(t, ok)
}

func TestTTL_SetRefreshesExpiry(t *testing.T) {
	c := &clock{t: time.Unix(1000, 0)}
	tc := New[string, int](time.Minute, 0).WithClock(c.now)

	tc.Set("a", 1)
	c.advance(50 * time.Second)
	tc.Set("a", 2)
	c.advance(50 * time.Second)

	v, ok := tc.Get("a")
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestTTL_SweepOnSet(t *testing.T) {
	c := &clock{t: time.Unix(1000, 0)}
	tc := New[int, int](time.Minute, 2).WithClock(c.now)

	tc.Set(1, 1)
	tc.Set(2, 2)
	c.advance(2 * time.Minute)

	// Hitting the size cap evicts the two expired entries first.
	tc.Set(3, 3)
	_, ok := tc.Get(1)
	require.False(t, ok)
	v, ok := tc.Get(3)
	require.True(t, ok)
	require.Equal(t, 3, v)
}

func TestTTL_DeleteAndPurge(t *testing.T) {
	tc := New[string, string](time.Minute, 0)
	tc.Set("a", "x")
	tc.Set("b", "y")

	tc.Delete("a")
	_, ok := tc.Get("a")
	require.False(t, ok)

	tc.Purge()
	_, ok = tc.Get("b")
	require.False(t, ok)
}

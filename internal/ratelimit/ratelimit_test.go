package ratelimit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time            { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func TestLimiterBurstThenRefill(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	l := newLimiterAt(10, 3, clock.now)

	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.True(t, l.Allow())
	assert.False(t, l.Allow(), "burst exhausted")

	clock.advance(100 * time.Millisecond)
	assert.True(t, l.Allow(), "one token refilled after 100ms at 10/s")
	assert.False(t, l.Allow())

	clock.advance(time.Hour)
	assert.True(t, l.AllowN(3))
	assert.False(t, l.Allow(), "refill is capped at burst")
}

func TestClientLimitersIsolatesKeys(t *testing.T) {
	cl := NewClientLimiters(1, 1)
	defer cl.Stop()

	assert.True(t, cl.Allow("10.0.0.1"))
	assert.False(t, cl.Allow("10.0.0.1"))
	assert.True(t, cl.Allow("10.0.0.2"))
	assert.Same(t, cl.Get("10.0.0.1"), cl.Get("10.0.0.1"))

	cl.Remove("10.0.0.1")
	assert.Equal(t, 1, cl.Len())
	assert.True(t, cl.Allow("10.0.0.1"), "removed key starts with a fresh bucket")
}

func TestClientLimitersEvictIdle(t *testing.T) {
	cl := NewClientLimiters(1, 1)
	defer cl.Stop()

	cl.Get("stale")
	cl.evictIdle(time.Now().Add(cl.idleTTL + time.Minute))
	assert.Equal(t, 0, cl.Len())

	cl.Stop()
	cl.Stop()
}

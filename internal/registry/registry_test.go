package registry

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAllocatesUniqueIDs(t *testing.T) {
	r := New(4)
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		c := r.Register("127.0.0.1:1")
		require.False(t, seen[c.ID()], "duplicate id %s", c.ID())
		seen[c.ID()] = true
		assert.True(t, r.Exists(c.ID()))
	}
	assert.Equal(t, 50, r.Count())
}

func TestSendAndUnregister(t *testing.T) {
	r := New(4)
	c := r.Register("127.0.0.1:1")

	assert.True(t, r.Send(c.ID(), []byte("hello")))
	assert.Equal(t, []byte("hello"), <-c.Outbound())

	r.Unregister(c.ID())
	assert.False(t, r.Exists(c.ID()))
	assert.False(t, r.Send(c.ID(), []byte("late")))

	_, open := <-c.Outbound()
	assert.False(t, open, "queue is closed on unregister")

	// idempotent
	r.Unregister(c.ID())
	r.Unregister("never-registered")
	assert.Zero(t, r.Count())
}

func TestSendFullQueueEvictsSlowConsumer(t *testing.T) {
	r := New(2)
	var evicted []string
	r.OnEvict = func(id string) { evicted = append(evicted, id) }

	slow := r.Register("slow")
	fast := r.Register("fast")

	assert.True(t, r.Send(slow.ID(), []byte("1")))
	assert.True(t, r.Send(slow.ID(), []byte("2")))
	assert.False(t, r.Send(slow.ID(), []byte("3")), "full queue drops")
	assert.True(t, slow.Closed())
	assert.Equal(t, []string{slow.ID()}, evicted)

	// already queued messages still drain before the close is observed
	assert.Equal(t, []byte("1"), <-slow.Outbound())
	assert.Equal(t, []byte("2"), <-slow.Outbound())
	_, open := <-slow.Outbound()
	assert.False(t, open)

	assert.False(t, r.Send(slow.ID(), []byte("4")))
	assert.Len(t, evicted, 1, "eviction is reported once")

	assert.True(t, r.Send(fast.ID(), []byte("ok")), "other connections are unaffected")

	// Unregister after eviction must not double close
	r.Unregister(slow.ID())
}

func TestConcurrentSendAndUnregister(t *testing.T) {
	r := New(8)
	c := r.Register("race")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				r.Send(c.ID(), []byte("x"))
			}
		}()
	}
	r.Unregister(c.ID())
	wg.Wait()
	assert.True(t, c.Closed())
}

func TestCloseAll(t *testing.T) {
	r := New(1)
	a := r.Register("a")
	b := r.Register("b")

	r.CloseAll()
	assert.Zero(t, r.Count())
	assert.True(t, a.Closed())
	assert.True(t, b.Closed())
}

package broadcast

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/manpreetbhatti/sketchsync/internal/registry"
	"github.com/manpreetbhatti/sketchsync/internal/router"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func drain(c *registry.Conn) [][]byte {
	var out [][]byte
	for {
		select {
		case msg, ok := <-c.Outbound():
			if !ok {
				return out
			}
			out = append(out, msg)
		default:
			return out
		}
	}
}

func TestPublishIncludesEveryMember(t *testing.T) {
	reg := registry.New(8)
	rt := router.New()
	b := New(rt, reg, discardLogger())

	a := reg.Register("a")
	c := reg.Register("c")
	other := reg.Register("other")
	rt.Join("s", a.ID())
	rt.Join("s", c.ID())
	rt.Join("elsewhere", other.ID())

	res := b.Publish("s", []byte("hi"))
	assert.Equal(t, Result{Delivered: 2}, res)
	assert.Len(t, drain(a), 1)
	assert.Len(t, drain(c), 1)
	assert.Empty(t, drain(other), "broadcast is scoped to the session")
}

func TestPublishExceptSkipsSender(t *testing.T) {
	reg := registry.New(8)
	rt := router.New()
	b := New(rt, reg, discardLogger())

	a := reg.Register("a")
	c := reg.Register("c")
	rt.Join("s", a.ID())
	rt.Join("s", c.ID())

	res := b.PublishExcept("s", []byte("hi"), a.ID())
	assert.Equal(t, Result{Delivered: 1}, res)
	assert.Empty(t, drain(a))
	assert.Equal(t, [][]byte{[]byte("hi")}, drain(c))
}

func TestSlowConsumerDoesNotBlockOthers(t *testing.T) {
	reg := registry.New(1)
	rt := router.New()
	b := New(rt, reg, discardLogger())

	slow := reg.Register("slow")
	fast := reg.Register("fast")
	rt.Join("s", slow.ID())
	rt.Join("s", fast.ID())

	b.Publish("s", []byte("1"))
	drain(fast)

	res := b.Publish("s", []byte("2"))
	assert.Equal(t, Result{Delivered: 1, Dropped: 1}, res)
	assert.True(t, slow.Closed())
	assert.Equal(t, [][]byte{[]byte("2")}, drain(fast))
}

func TestPublishUnknownSession(t *testing.T) {
	b := New(router.New(), registry.New(1), discardLogger())
	assert.Equal(t, Result{}, b.Publish("nope", []byte("x")))
}

// Package registry owns the live connection table and each connection's
// bounded outbound queue.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

const DefaultQueueSize = 256

// Conn is one registered connection. The write pump drains Outbound; a
// closed Outbound channel tells the pump to send a close frame and stop.
type Conn struct {
	id          string
	remoteAddr  string
	connectedAt time.Time

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

func (c *Conn) ID() string             { return c.id }
func (c *Conn) RemoteAddr() string     { return c.remoteAddr }
func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }

func (c *Conn) Outbound() <-chan []byte { return c.send }

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// enqueue never blocks. A full queue closes the connection.
func (c *Conn) enqueue(msg []byte) (ok, evicted bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false, false
	}
	select {
	case c.send <- msg:
		return true, false
	default:
		c.closed = true
		close(c.send)
		return false, true
	}
}

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

type Registry struct {
	conns     map[string]*Conn
	queueSize int
	mu        sync.RWMutex

	// OnEvict is called outside the registry lock when Send closes a
	// connection for being too slow.
	OnEvict func(id string)
}

func New(queueSize int) *Registry {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Registry{
		conns:     make(map[string]*Conn),
		queueSize: queueSize,
	}
}

func (r *Registry) Register(remoteAddr string) *Conn {
	c := &Conn{
		id:          uuid.NewString(),
		remoteAddr:  remoteAddr,
		connectedAt: time.Now(),
		send:        make(chan []byte, r.queueSize),
	}

	r.mu.Lock()
	r.conns[c.id] = c
	r.mu.Unlock()
	return c
}

// Unregister closes the connection's queue and forgets it. Calling it for an
// unknown or already removed id is a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	c, ok := r.conns[id]
	delete(r.conns, id)
	r.mu.Unlock()

	if ok {
		c.close()
	}
}

// Send queues msg for id without blocking and reports whether it was
// queued. When the queue is full the message is dropped and the queue is
// closed, which makes the write pump tear the socket down.
func (r *Registry) Send(id string, msg []byte) bool {
	r.mu.RLock()
	c, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	queued, evicted := c.enqueue(msg)
	if evicted && r.OnEvict != nil {
		r.OnEvict(id)
	}
	return queued
}

func (r *Registry) Exists(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.conns[id]
	return ok
}

func (r *Registry) Get(id string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// CloseAll closes every queue so each write pump sends a close frame. Used
// on shutdown.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	conns := r.conns
	r.conns = make(map[string]*Conn)
	r.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
}

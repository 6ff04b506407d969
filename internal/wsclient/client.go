// Package wsclient is a canvas websocket client that reconnects with
// exponential backoff and re-joins its session after every reconnect.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/manpreetbhatti/sketchsync/internal/protocol"
)

var ErrDisconnected = errors.New("not connected")

// DefaultReadLimit bounds a single inbound frame. It is far above the
// server's inbound limit because a replay grows with the session.
const DefaultReadLimit = 64 << 20

type Options struct {
	URL      string
	Header   http.Header
	UserName string

	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// inbound frame limit; session_joined carries the whole replay
	ReadLimit int64

	Logger *slog.Logger
}

func (o *Options) setDefaults() {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 2 * time.Second
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 10 * time.Second
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = DefaultReadLimit
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
}

// Backoff returns min(base*2^attempt, ceiling).
func Backoff(attempt int, base, ceiling time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt && d < ceiling; i++ {
		d *= 2
	}
	return min(d, ceiling)
}

type Client struct {
	opts Options

	mu        sync.Mutex
	conn      *websocket.Conn
	userID    string
	sessionID string

	messages chan protocol.Envelope
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
	err      error
}

// Dial connects once and starts the read loop. The first connection must
// succeed; later drops are retried up to MaxAttempts times.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	opts.setDefaults()

	conn, err := dial(ctx, opts)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		opts:     opts,
		conn:     conn,
		messages: make(chan protocol.Envelope, 256),
		ctx:      runCtx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	go c.run(conn)

	if opts.UserName != "" {
		if err := c.Send(ctx, protocol.TypeUserInfo, protocol.UserInfoData{UserName: opts.UserName}); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

func dial(ctx context.Context, opts Options) (*websocket.Conn, error) {
	conn, _, err := websocket.Dial(ctx, opts.URL, &websocket.DialOptions{HTTPHeader: opts.Header})
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", opts.URL, err)
	}
	conn.SetReadLimit(opts.ReadLimit)
	return conn, nil
}

// Messages delivers every envelope received. It is closed when the client
// stops for good.
func (c *Client) Messages() <-chan protocol.Envelope {
	return c.messages
}

// Done is closed once the client has stopped; Err then explains why.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// UserID is the identity assigned by the server's most recent init.
func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

func (c *Client) Send(ctx context.Context, t protocol.MessageType, data any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return ErrDisconnected
	}

	env := protocol.Envelope{Type: t}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return err
		}
		env.Data = raw
	}
	return wsjson.Write(ctx, conn, env)
}

// Join joins sessionID and remembers it for re-joins after reconnects.
func (c *Client) Join(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	c.sessionID = sessionID
	c.mu.Unlock()
	return c.Send(ctx, protocol.TypeJoinSession, protocol.JoinSessionData{SessionID: sessionID})
}

// Close disconnects with a normal closure and cancels any pending
// reconnect.
func (c *Client) Close() error {
	c.cancel()

	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close(websocket.StatusNormalClosure, "")
	}
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
	}
	return err
}

func (c *Client) run(conn *websocket.Conn) {
	defer close(c.done)
	defer close(c.messages)

	failures := 0
	for {
		synced, err := c.readLoop(conn)
		if c.ctx.Err() != nil {
			return
		}
		if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
			c.stop(nil)
			return
		}
		c.opts.Logger.Warn("connection lost", "error", err, "synced", synced)

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()

		// a connection that dropped before resyncing counts as a failed attempt
		if synced {
			failures = 0
		}
		if conn, failures = c.reconnect(failures); conn == nil {
			return
		}
	}
}

// readLoop forwards envelopes until the connection fails. synced reports
// whether the connection got its init and, when a session is remembered,
// that session's session_joined.
func (c *Client) readLoop(conn *websocket.Conn) (bool, error) {
	var gotInit, joined bool
	synced := func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return joined || (gotInit && c.sessionID == "")
	}

	for {
		var env protocol.Envelope
		if err := wsjson.Read(c.ctx, conn, &env); err != nil {
			return synced(), err
		}

		switch env.Type {
		case protocol.TypeInit:
			var data protocol.InitData
			if err := env.DecodeData(&data); err == nil {
				c.mu.Lock()
				c.userID = data.UserID
				c.mu.Unlock()
				gotInit = true
			}
		case protocol.TypeSessionJoined:
			joined = true
		}

		select {
		case c.messages <- env:
		case <-c.ctx.Done():
			return synced(), c.ctx.Err()
		}
	}
}

// reconnect waits min(base*2^n, max) before attempt n, starting at
// attempt. It returns the new connection and the number of attempts used,
// or nil once every attempt failed or the client was closed.
func (c *Client) reconnect(attempt int) (*websocket.Conn, int) {
	lastErr := errors.New("connection dropped before resync")
	for ; attempt < c.opts.MaxAttempts; attempt++ {
		delay := Backoff(attempt, c.opts.BaseDelay, c.opts.MaxDelay)
		c.opts.Logger.Info("reconnecting", "attempt", attempt+1, "delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-c.ctx.Done():
			timer.Stop()
			return nil, attempt
		case <-timer.C:
		}

		conn, err := dial(c.ctx, c.opts)
		if err != nil {
			lastErr = err
			continue
		}

		c.mu.Lock()
		if c.ctx.Err() != nil {
			c.mu.Unlock()
			conn.CloseNow()
			return nil, attempt
		}
		c.conn = conn
		sessionID := c.sessionID
		c.mu.Unlock()

		if err := c.resync(sessionID); err != nil {
			lastErr = err
			conn.CloseNow()
			continue
		}
		return conn, attempt + 1
	}

	c.stop(fmt.Errorf("gave up after %d attempts: %w", c.opts.MaxAttempts, lastErr))
	return nil, attempt
}

func (c *Client) resync(sessionID string) error {
	if c.opts.UserName != "" {
		if err := c.Send(c.ctx, protocol.TypeUserInfo, protocol.UserInfoData{UserName: c.opts.UserName}); err != nil {
			return err
		}
	}
	if sessionID == "" {
		return nil
	}
	return c.Send(c.ctx, protocol.TypeJoinSession, protocol.JoinSessionData{SessionID: sessionID})
}

func (c *Client) stop(err error) {
	c.mu.Lock()
	c.err = err
	c.conn = nil
	c.mu.Unlock()
}

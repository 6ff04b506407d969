package ws

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/manpreetbhatti/sketchsync/internal/auth"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

type client struct {
	hub  *Hub
	peer *Peer
	conn *websocket.Conn
}

func (h *Hub) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if h.config.CheckOrigin == nil {
				return true
			}
			return h.config.CheckOrigin(r.Header.Get("Origin"))
		},
	}
}

// ServeWs upgrades the request after resolving its identity. A
// ?session=<id> query parameter joins that session right after init.
func ServeWs(hub *Hub, provider auth.Provider, w http.ResponseWriter, r *http.Request) {
	identity, err := provider.CurrentUser(r)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, auth.ErrUnauthenticated) {
			status = http.StatusUnauthorized
		}
		http.Error(w, http.StatusText(status), status)
		return
	}

	conn, err := hub.upgrader().Upgrade(w, r, nil)
	if err != nil {
		hub.logger.Warn("upgrade error", "error", err)
		return
	}

	c := &client{
		hub:  hub,
		peer: hub.Connect(identity, conn.RemoteAddr().String()),
		conn: conn,
	}

	go c.writePump()
	go c.readPump(r.URL.Query().Get("session"))
}

func (c *client) readPump(autoJoin string) {
	defer func() {
		c.peer.Close()
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.hub.config.MaxMessageBytes)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	ctx := c.hub.ctx
	if autoJoin != "" {
		if err := c.peer.autoJoin(ctx, autoJoin); err != nil {
			c.peer.logger.Warn("auto-join failed", "session", autoJoin, "error", err)
		}
	}

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.peer.logger.Warn("websocket error", "error", err)
			}
			return
		}

		if err := c.peer.Handle(ctx, message); errors.Is(err, ErrAbusive) {
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	outbound := c.peer.Outbound()
	for {
		select {
		case message, ok := <-outbound:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

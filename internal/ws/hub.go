package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/manpreetbhatti/sketchsync/internal/auth"
	"github.com/manpreetbhatti/sketchsync/internal/broadcast"
	"github.com/manpreetbhatti/sketchsync/internal/notify"
	"github.com/manpreetbhatti/sketchsync/internal/presence"
	"github.com/manpreetbhatti/sketchsync/internal/protocol"
	"github.com/manpreetbhatti/sketchsync/internal/ratelimit"
	"github.com/manpreetbhatti/sketchsync/internal/registry"
	"github.com/manpreetbhatti/sketchsync/internal/router"
	"github.com/manpreetbhatti/sketchsync/internal/strokelog"
)

var (
	ErrMalformed   = protocol.ErrMalformed
	ErrWrongState  = errors.New("message not valid in current state")
	ErrPersistence = errors.New("stroke log unavailable")
	ErrAbusive     = errors.New("rate limit exceeded repeatedly")
)

type Config struct {
	SendQueueSize   int
	MaxMessageBytes int64
	// flood budget per connection; far above a pointer's event rate
	MessagesPerSecond float64
	MessageBurst      int
	CursorPerSecond   float64
	// frames over the flood budget before the peer is disconnected
	AbuseThreshold int
	StoreTimeout   time.Duration
	PaletteSeed    uint64
	CheckOrigin    func(origin string) bool
}

func DefaultConfig() Config {
	return Config{
		SendQueueSize:     registry.DefaultQueueSize,
		MaxMessageBytes:   1024 * 1024,
		MessagesPerSecond: 1000,
		MessageBurst:      2000,
		CursorPerSecond:   30,
		AbuseThreshold:    1000,
		StoreTimeout:      5 * time.Second,
	}
}

// Hub wires the per-connection dispatchers to the shared session state.
type Hub struct {
	registry    *registry.Registry
	router      *router.Router
	presence    *presence.Tracker
	broadcaster *broadcast.Broadcaster
	strokes     strokelog.Log
	reporter    notify.Reporter
	palette     *presence.Palette
	config      Config
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

func NewHub(strokes strokelog.Log, reporter notify.Reporter, config Config, logger *slog.Logger) *Hub {
	if reporter == nil {
		reporter = notify.Nop{}
	}
	seed := config.PaletteSeed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	reg := registry.New(config.SendQueueSize)
	rt := router.New()
	ctx, cancel := context.WithCancel(context.Background())

	h := &Hub{
		registry:    reg,
		router:      rt,
		presence:    presence.NewTracker(),
		broadcaster: broadcast.New(rt, reg, logger),
		strokes:     strokes,
		reporter:    reporter,
		palette:     presence.NewPalette(seed),
		config:      config,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
	}
	reg.OnEvict = h.onEvict
	return h
}

// Connect registers a new connection for identity and queues its init
// message.
func (h *Hub) Connect(identity auth.Identity, remoteAddr string) *Peer {
	conn := h.registry.Register(remoteAddr)

	name := identity.DisplayName
	if name == "" {
		name = h.palette.Name()
	}

	p := &Peer{
		hub:      h,
		conn:     conn,
		id:       conn.ID(),
		identity: identity,
		name:     name,
		color:    h.palette.Next(),
		state:    StateConnected,
		limiter:  ratelimit.NewLimiter(h.config.MessagesPerSecond, h.config.MessageBurst),
		cursor:   ratelimit.NewLimiter(h.config.CursorPerSecond, int(h.config.CursorPerSecond)+1),
		logger:   h.logger.With("clientID", conn.ID()),
	}

	p.sendTo(protocol.TypeInit, protocol.InitData{
		UserID:   p.id,
		UserName: p.name,
		Color:    p.color,
	})

	p.logger.Info("🔌 client connected", "remote", remoteAddr, "name", p.name, "user", identity.ID, "connections", h.registry.Count())
	return p
}

// ClearSession empties a session's stroke log and tells every member,
// including by, to clear their canvas. The broadcast happens even if the
// log could not be cleared.
func (h *Hub) ClearSession(ctx context.Context, sessionID, by string) error {
	storeCtx, cancel := context.WithTimeout(ctx, h.config.StoreTimeout)
	defer cancel()

	var result error
	if err := h.strokes.Clear(storeCtx, sessionID); err != nil {
		h.reporter.Report(ctx, notify.Failure("clear", sessionID, by, err))
		result = fmt.Errorf("%w: clear %s: %v", ErrPersistence, sessionID, err)
	}

	msg, err := protocol.EncodeFrom(protocol.TypeClearCanvas, by, protocol.ClearCanvasData{UserID: by})
	if err != nil {
		return err
	}
	h.broadcaster.Publish(sessionID, msg)
	h.router.Touch(sessionID)

	h.reporter.Report(ctx, notify.Event{
		Kind:      notify.KindCanvasCleared,
		SessionID: sessionID,
		UserID:    by,
		At:        time.Now(),
	})
	h.logger.Info("🧹 canvas cleared", "session", sessionID, "by", by)
	return result
}

func (h *Hub) Participants(sessionID string) []presence.Participant {
	return h.presence.ListActive(sessionID)
}

func (h *Hub) ActiveSessions() map[string]int {
	return h.router.Active()
}

func (h *Hub) SessionInfo(sessionID string) (router.Info, bool) {
	return h.router.Info(sessionID)
}

func (h *Hub) Stats() map[string]int {
	return map[string]int{
		"connections":     h.registry.Count(),
		"active_sessions": h.router.Count(),
	}
}

// Shutdown closes every outbound queue; each write pump then sends a close
// frame and its read loop runs the normal disconnect path.
func (h *Hub) Shutdown() {
	h.cancel()
	h.registry.CloseAll()
}

func (h *Hub) userList(sessionID string) []protocol.UserListEntry {
	active := h.presence.ListActive(sessionID)
	list := make([]protocol.UserListEntry, 0, len(active))
	for _, p := range active {
		list = append(list, protocol.UserListEntry{
			UserID:   p.UserID,
			Name:     p.Name,
			Color:    p.Color,
			IsActive: p.IsActive,
		})
	}
	return list
}

func (h *Hub) publishUserList(sessionID string) {
	msg, err := protocol.Encode(protocol.TypeUserList, h.userList(sessionID))
	if err != nil {
		h.logger.Error("failed to encode user list", "session", sessionID, "error", err)
		return
	}
	h.broadcaster.Publish(sessionID, msg)
}

func (h *Hub) onEvict(id string) {
	sessionID, _ := h.router.SessionOf(id)
	h.logger.Warn("🐢 slow consumer disconnected", "clientID", id, "session", sessionID)
	h.reporter.Report(h.ctx, notify.Event{
		Kind:      notify.KindSlowConsumer,
		SessionID: sessionID,
		UserID:    id,
		At:        time.Now(),
	})
}

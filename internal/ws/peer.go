package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/manpreetbhatti/sketchsync/internal/auth"
	"github.com/manpreetbhatti/sketchsync/internal/notify"
	"github.com/manpreetbhatti/sketchsync/internal/presence"
	"github.com/manpreetbhatti/sketchsync/internal/protocol"
	"github.com/manpreetbhatti/sketchsync/internal/ratelimit"
	"github.com/manpreetbhatti/sketchsync/internal/registry"
	"github.com/manpreetbhatti/sketchsync/internal/strokelog"
)

type State int

const (
	StateConnected State = iota
	StateJoined
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateJoined:
		return "joined"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

const (
	maxSessionIDLength = 128
	maxNameLength      = 64
)

// Peer is the protocol state machine of one connection. Handle and Close
// are called from the connection's read goroutine, which keeps every
// message of one author in order through append and broadcast.
type Peer struct {
	hub      *Hub
	conn     *registry.Conn
	id       string
	identity auth.Identity
	color    string
	logger   *slog.Logger

	limiter    *ratelimit.Limiter
	cursor     *ratelimit.Limiter
	violations int

	mu        sync.Mutex
	name      string
	state     State
	sessionID string
}

func (p *Peer) ID() string              { return p.id }
func (p *Peer) Color() string           { return p.color }
func (p *Peer) Identity() auth.Identity { return p.identity }
func (p *Peer) Outbound() <-chan []byte { return p.conn.Outbound() }
func (p *Peer) RemoteAddr() string      { return p.conn.RemoteAddr() }
func (p *Peer) ConnectedAt() time.Time  { return p.conn.ConnectedAt() }

func (p *Peer) snapshot() (State, string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state, p.sessionID
}

func (p *Peer) State() State {
	state, _ := p.snapshot()
	return state
}

func (p *Peer) SessionID() string {
	_, sessionID := p.snapshot()
	return sessionID
}

func (p *Peer) displayName() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.name
}

// Handle dispatches one inbound frame. Every returned error except
// ErrAbusive leaves the connection open.
func (p *Peer) Handle(ctx context.Context, raw []byte) error {
	env, err := protocol.Decode(raw)
	if err != nil {
		if _, abuse := p.admit(""); abuse != nil {
			return abuse
		}
		p.logger.Warn("⚠️ invalid message", "error", err)
		return err
	}

	ok, err := p.admit(env.Type)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	switch env.Type {
	case protocol.TypeJoinSession:
		return p.handleJoin(ctx, env)
	case protocol.TypeUserInfo:
		return p.handleUserInfo(env)
	case protocol.TypeStrokeStart, protocol.TypeStrokeMove, protocol.TypeStrokeEnd:
		return p.handleStroke(ctx, env)
	case protocol.TypeCursorMove:
		return p.handleCursor(env)
	case protocol.TypeClearCanvas:
		return p.handleClear(ctx)
	default:
		return nil
	}
}

// admit charges a frame of type t against the peer's budgets. Cursor moves
// within the cursor throttle are free; surplus ones are dropped and spend
// the flood budget. Stroke frames are always processed, even over budget,
// where they only count as a violation.
func (p *Peer) admit(t protocol.MessageType) (bool, error) {
	if t == protocol.TypeCursorMove {
		if p.cursor.Allow() {
			return true, nil
		}
		if p.limiter.Allow() {
			return false, nil
		}
		return false, p.violation()
	}

	if p.limiter.Allow() {
		return true, nil
	}
	if err := p.violation(); err != nil {
		return false, err
	}
	_, stroke := t.StrokeKind()
	return stroke, nil
}

func (p *Peer) violation() error {
	p.violations++
	if p.violations%100 == 1 {
		p.logger.Warn("⚠️ rate limit exceeded", "session", p.SessionID(), "warnings", p.violations)
	}
	if p.violations > p.hub.config.AbuseThreshold {
		p.logger.Warn("🚫 disconnecting client for excessive rate limit violations")
		return ErrAbusive
	}
	return nil
}

// normalizeSessionID trims raw and rejects ids that are too long. An empty
// id becomes a fresh session.
func normalizeSessionID(raw string) (string, error) {
	sessionID := strings.TrimSpace(raw)
	if len(sessionID) > maxSessionIDLength {
		return "", fmt.Errorf("%w: session id too long", ErrMalformed)
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return sessionID, nil
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (p *Peer) handleJoin(ctx context.Context, env protocol.Envelope) error {
	var data protocol.JoinSessionData
	if err := env.DecodeData(&data); err != nil {
		p.logger.Warn("⚠️ invalid message", "error", err)
		return err
	}

	sessionID, err := normalizeSessionID(data.SessionID)
	if err != nil {
		return err
	}
	return p.Join(ctx, sessionID)
}

// autoJoin joins the session named in the upgrade request's query.
func (p *Peer) autoJoin(ctx context.Context, raw string) error {
	sessionID, err := normalizeSessionID(raw)
	if err != nil {
		return err
	}
	return p.Join(ctx, sessionID)
}

// Join binds the peer to sessionID, replays the session's stroke log to it
// and announces it to the other members. Joining the session the peer is
// already in only repeats the replay and the user list for this peer.
func (p *Peer) Join(ctx context.Context, sessionID string) error {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return ErrWrongState
	}
	previous := p.sessionID
	rejoin := p.state == StateJoined && previous == sessionID
	p.state = StateJoined
	p.sessionID = sessionID
	name := p.name
	p.mu.Unlock()

	h := p.hub
	h.router.Join(sessionID, p.id)
	h.presence.Upsert(sessionID, p.id, presence.Participant{Name: name, Color: p.color})

	if previous != "" && previous != sessionID {
		p.announceLeave(previous)
	}

	strokes, result := p.readLog(ctx, sessionID)
	p.sendTo(protocol.TypeSessionJoined, protocol.SessionJoinedData{
		SessionID: sessionID,
		Strokes:   strokes,
	})

	if rejoin {
		p.sendTo(protocol.TypeUserList, h.userList(sessionID))
		return result
	}

	if msg, err := protocol.EncodeFrom(protocol.TypeUserJoined, p.id, p.userData(name)); err == nil {
		h.broadcaster.PublishExcept(sessionID, msg, p.id)
	}
	h.publishUserList(sessionID)

	h.reporter.Report(ctx, notify.Event{Kind: notify.KindSessionJoined, SessionID: sessionID, UserID: p.id, At: time.Now()})
	p.logger.Info("👋 joined session", "session", sessionID, "replayed", len(strokes))
	return result
}

func (p *Peer) readLog(ctx context.Context, sessionID string) ([]strokelog.Event, error) {
	storeCtx, cancel := context.WithTimeout(ctx, p.hub.config.StoreTimeout)
	defer cancel()

	strokes, err := p.hub.strokes.ReadAll(storeCtx, sessionID)
	if err != nil {
		p.hub.reporter.Report(ctx, notify.Failure("read", sessionID, p.id, err))
		p.logger.Error("failed to read stroke log", "session", sessionID, "error", err)
		return []strokelog.Event{}, fmt.Errorf("%w: read %s: %v", ErrPersistence, sessionID, err)
	}
	if strokes == nil {
		strokes = []strokelog.Event{}
	}
	return strokes, nil
}

func (p *Peer) handleUserInfo(env protocol.Envelope) error {
	var data protocol.UserInfoData
	if err := env.DecodeData(&data); err != nil {
		p.logger.Warn("⚠️ invalid message", "error", err)
		return err
	}
	name := strings.TrimSpace(data.UserName)
	if name == "" {
		return fmt.Errorf("%w: empty user name", ErrMalformed)
	}
	name = truncate(name, maxNameLength)

	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return ErrWrongState
	}
	p.name = name
	state, sessionID := p.state, p.sessionID
	p.mu.Unlock()

	p.sendTo(protocol.TypeUserInfoUpdated, protocol.UserInfoData{UserName: name})

	if state == StateJoined {
		p.hub.presence.Rename(p.id, name)
		p.hub.publishUserList(sessionID)
	}
	return nil
}

func (p *Peer) handleStroke(ctx context.Context, env protocol.Envelope) error {
	sessionID, err := p.joinedSession(env.Type)
	if err != nil {
		return err
	}
	kind, _ := env.Type.StrokeKind()

	var (
		seq    int64
		result error
		out    = protocol.Envelope{Type: env.Type}
	)

	if kind != strokelog.KindEnd {
		var point strokelog.Point
		if err := env.DecodeData(&point); err != nil {
			p.logger.Warn("⚠️ invalid message", "error", err)
			return err
		}
		ev := strokelog.Event{
			SessionID: sessionID,
			UserID:    p.id,
			Kind:      kind,
			Point:     point,
			Timestamp: time.Now(),
		}
		if err := ev.Validate(); err != nil {
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}

		seq, result = p.appendStroke(ctx, sessionID, ev)
		if out.Data, err = json.Marshal(point); err != nil {
			return err
		}
	}

	msg, err := protocol.Relay(out, p.id, seq)
	if err != nil {
		return err
	}
	p.hub.broadcaster.PublishExcept(sessionID, msg, p.id)
	p.hub.router.Touch(sessionID)
	return result
}

// appendStroke persists ev. A failure is reported and returned, but the
// caller still broadcasts the stroke.
func (p *Peer) appendStroke(ctx context.Context, sessionID string, ev strokelog.Event) (int64, error) {
	storeCtx, cancel := context.WithTimeout(ctx, p.hub.config.StoreTimeout)
	defer cancel()

	seq, err := p.hub.strokes.Append(storeCtx, sessionID, ev)
	if err != nil {
		p.hub.reporter.Report(ctx, notify.Failure("append", sessionID, p.id, err))
		p.logger.Error("failed to append stroke", "session", sessionID, "error", err)
		return 0, fmt.Errorf("%w: append %s: %v", ErrPersistence, sessionID, err)
	}
	return seq, nil
}

func (p *Peer) handleCursor(env protocol.Envelope) error {
	sessionID, err := p.joinedSession(env.Type)
	if err != nil {
		return err
	}
	var data protocol.CursorData
	if err := env.DecodeData(&data); err != nil {
		return err
	}
	p.hub.presence.UpdateCursor(p.id, data.X, data.Y)

	msg, err := protocol.EncodeFrom(protocol.TypeCursorMove, p.id, protocol.CursorBroadcast{
		UserID:   p.id,
		UserName: p.displayName(),
		Color:    p.color,
		X:        data.X,
		Y:        data.Y,
	})
	if err != nil {
		return err
	}
	p.hub.broadcaster.PublishExcept(sessionID, msg, p.id)
	return nil
}

func (p *Peer) handleClear(ctx context.Context) error {
	sessionID, err := p.joinedSession(protocol.TypeClearCanvas)
	if err != nil {
		return err
	}
	return p.hub.ClearSession(ctx, sessionID, p.id)
}

func (p *Peer) joinedSession(t protocol.MessageType) (string, error) {
	state, sessionID := p.snapshot()
	if state != StateJoined {
		p.logger.Debug("dropping message outside a session", "type", t, "state", state)
		return "", ErrWrongState
	}
	return sessionID, nil
}

// Close runs the disconnect sequence once: leave the session, drop the
// presence record, unregister, then tell the remaining members.
func (p *Peer) Close() {
	p.mu.Lock()
	if p.state == StateClosed {
		p.mu.Unlock()
		return
	}
	wasJoined := p.state == StateJoined
	sessionID := p.sessionID
	p.state = StateClosed
	p.mu.Unlock()

	h := p.hub
	h.router.Leave(p.id)
	if sessionID != "" {
		h.presence.Remove(sessionID, p.id)
	}
	h.registry.Unregister(p.id)

	if wasJoined {
		p.announceLeave(sessionID)
	}
	p.logger.Info("🔌 client disconnected",
		"session", sessionID,
		"duration", time.Since(p.ConnectedAt()).Round(time.Second),
		"connections", h.registry.Count(),
	)
}

// announceLeave sends user_left and a fresh user_list to sessionID. The
// peer must already be out of the session.
func (p *Peer) announceLeave(sessionID string) {
	h := p.hub
	if msg, err := protocol.EncodeFrom(protocol.TypeUserLeft, p.id, p.userData(p.displayName())); err == nil {
		h.broadcaster.Publish(sessionID, msg)
	}
	h.publishUserList(sessionID)
	h.reporter.Report(h.ctx, notify.Event{Kind: notify.KindSessionLeft, SessionID: sessionID, UserID: p.id, At: time.Now()})
}

func (p *Peer) userData(name string) protocol.UserData {
	return protocol.UserData{UserID: p.id, Name: name, Color: p.color}
}

func (p *Peer) sendTo(t protocol.MessageType, data any) {
	msg, err := protocol.Encode(t, data)
	if err != nil {
		p.logger.Error("failed to encode message", "type", t, "error", err)
		return
	}
	p.hub.registry.Send(p.id, msg)
}

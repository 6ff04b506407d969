// Package protocol defines the JSON envelope exchanged over the canvas
// websocket and the payload carried by each message type.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/manpreetbhatti/sketchsync/internal/strokelog"
)

type MessageType string

const (
	// server -> client
	TypeInit            MessageType = "init"
	TypeSessionJoined   MessageType = "session_joined"
	TypeUserInfoUpdated MessageType = "user_info_updated"
	TypeUserJoined      MessageType = "user_joined"
	TypeUserLeft        MessageType = "user_left"
	TypeUserList        MessageType = "user_list"

	// client -> server
	TypeJoinSession MessageType = "join_session"
	TypeUserInfo    MessageType = "user_info"

	// both directions
	TypeStrokeStart MessageType = "stroke_start"
	TypeStrokeMove  MessageType = "stroke_move"
	TypeStrokeEnd   MessageType = "stroke_end"
	TypeCursorMove  MessageType = "cursor_move"
	TypeClearCanvas MessageType = "clear_canvas"
)

// StrokeKind maps a stroke message type onto the log's event kind.
func (t MessageType) StrokeKind() (strokelog.Kind, bool) {
	switch t {
	case TypeStrokeStart:
		return strokelog.KindStart, true
	case TypeStrokeMove:
		return strokelog.KindMove, true
	case TypeStrokeEnd:
		return strokelog.KindEnd, true
	}
	return "", false
}

var ErrMalformed = errors.New("malformed message")

// Envelope is the wire unit. Seq is only set on stroke broadcasts and
// matches the id of the persisted event so clients can de-duplicate live
// strokes against a replay.
type Envelope struct {
	Type      MessageType     `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	UserID    string          `json:"userId,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
	Seq       int64           `json:"seq,omitempty"`
}

type InitData struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Color    string `json:"color"`
}

type JoinSessionData struct {
	SessionID string `json:"sessionId"`
}

type SessionJoinedData struct {
	SessionID string            `json:"sessionId"`
	Strokes   []strokelog.Event `json:"strokes"`
}

type UserInfoData struct {
	UserName string `json:"userName"`
}

// UserData is carried by user_joined and user_left.
type UserData struct {
	UserID string `json:"userId"`
	Name   string `json:"name"`
	Color  string `json:"color"`
}

type UserListEntry struct {
	UserID   string `json:"userId"`
	Name     string `json:"name"`
	Color    string `json:"color"`
	IsActive bool   `json:"isActive"`
}

type CursorData struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

type CursorBroadcast struct {
	UserID   string  `json:"userId"`
	UserName string  `json:"userName"`
	Color    string  `json:"color"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
}

type ClearCanvasData struct {
	UserID string `json:"userId,omitempty"`
}

// Decode parses an inbound frame. Any JSON or shape error is reported as
// ErrMalformed.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Type == "" {
		return Envelope{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return env, nil
}

// DecodeData unmarshals the envelope body into v. A missing or null body
// leaves v untouched.
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 || string(e.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrMalformed, e.Type, err)
	}
	return nil
}

// Encode builds an outbound frame stamped with the current time.
func Encode(t MessageType, data any) ([]byte, error) {
	return EncodeFrom(t, "", data)
}

// EncodeFrom is Encode with the sender identity attached.
func EncodeFrom(t MessageType, userID string, data any) ([]byte, error) {
	env := Envelope{
		Type:      t,
		UserID:    userID,
		Timestamp: time.Now().UnixMilli(),
	}
	if data != nil {
		body, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", t, err)
		}
		env.Data = body
	}
	return json.Marshal(env)
}

// Relay re-stamps an inbound envelope for fan-out: the sender identity is
// set by the server and never trusted from the client.
func Relay(in Envelope, userID string, seq int64) ([]byte, error) {
	in.UserID = userID
	in.Timestamp = time.Now().UnixMilli()
	in.Seq = seq
	return json.Marshal(in)
}

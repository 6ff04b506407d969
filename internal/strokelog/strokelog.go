// Package strokelog defines the append-only per-session stroke event log
// consumed by the collaboration engine, plus in-memory and Redis backends.
package strokelog

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Kind is the drawing phase a stroke event belongs to.
type Kind string

const (
	KindStart Kind = "stroke_start"
	KindMove  Kind = "stroke_move"
	KindEnd   Kind = "stroke_end"
)

// Valid reports whether k is one of the three stroke kinds.
func (k Kind) Valid() bool {
	switch k {
	case KindStart, KindMove, KindEnd:
		return true
	}
	return false
}

var (
	// ErrInvalidEvent is returned by Append for events that can never be replayed.
	ErrInvalidEvent = errors.New("invalid stroke event")
)

// Point is the payload of stroke_start and stroke_move.
type Point struct {
	X        float64  `json:"x"`
	Y        float64  `json:"y"`
	Tool     string   `json:"tool"`
	Color    string   `json:"color"`
	Size     float64  `json:"size"`
	Pressure *float64 `json:"pressure,omitempty"`
}

// Event is one immutable entry of a session's stroke log.
type Event struct {
	Seq       int64     `json:"id"`
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Kind      Kind      `json:"kind"`
	Point     Point     `json:"strokeData"`
	Timestamp time.Time `json:"timestamp"`
}

// Validate checks the fields every backend relies on.
func (e Event) Validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: kind %q", ErrInvalidEvent, e.Kind)
	}
	if math.IsNaN(e.Point.X) || math.IsInf(e.Point.X, 0) ||
		math.IsNaN(e.Point.Y) || math.IsInf(e.Point.Y, 0) {
		return fmt.Errorf("%w: non-finite coordinates", ErrInvalidEvent)
	}
	return nil
}

// Log is an append-only store of drawing events keyed by session.
//
// Append assigns the event a sequence number that increases monotonically
// within the session. ReadAll returns events in append order and may be
// called any number of times. Clear drops every event of the session.
type Log interface {
	Append(ctx context.Context, sessionID string, ev Event) (int64, error)
	ReadAll(ctx context.Context, sessionID string) ([]Event, error)
	Clear(ctx context.Context, sessionID string) error
}

// Package notify reports operational events (persistence failures, session
// activity) to an observability sink.
package notify

import (
	"context"
	"log/slog"
	"time"
)

type Kind string

const (
	KindPersistenceFailure Kind = "persistence_failure"
	KindSessionJoined      Kind = "session_joined"
	KindSessionLeft        Kind = "session_left"
	KindCanvasCleared      Kind = "canvas_cleared"
	KindSlowConsumer       Kind = "slow_consumer"
)

type Event struct {
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"sessionId,omitempty"`
	UserID    string    `json:"userId,omitempty"`
	Op        string    `json:"op,omitempty"`
	Error     string    `json:"error,omitempty"`
	At        time.Time `json:"at"`
}

// Failure builds a persistence failure event for op.
func Failure(op, sessionID, userID string, err error) Event {
	ev := Event{
		Kind:      KindPersistenceFailure,
		SessionID: sessionID,
		UserID:    userID,
		Op:        op,
		At:        time.Now(),
	}
	if err != nil {
		ev.Error = err.Error()
	}
	return ev
}

// Reporter must not block the caller for long; it is called from
// connection read loops.
type Reporter interface {
	Report(ctx context.Context, ev Event)
}

type LogReporter struct {
	logger *slog.Logger
}

func NewLogReporter(logger *slog.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

func (r *LogReporter) Report(ctx context.Context, ev Event) {
	level := slog.LevelDebug
	if ev.Kind == KindPersistenceFailure || ev.Kind == KindSlowConsumer {
		level = slog.LevelWarn
	}
	r.logger.Log(ctx, level, "event",
		"kind", ev.Kind, "session", ev.SessionID, "clientID", ev.UserID, "op", ev.Op, "error", ev.Error)
}

// Multi fans each event out to every reporter.
type Multi []Reporter

func (m Multi) Report(ctx context.Context, ev Event) {
	for _, r := range m {
		r.Report(ctx, ev)
	}
}

// Nop discards events.
type Nop struct{}

func (Nop) Report(context.Context, Event) {}

package strokelog

import (
	"context"
	"sync"
	"time"
)

// Memory keeps stroke logs in process. Sequence numbers are per session and
// survive Clear, so a client never sees a number reused.
type Memory struct {
	mu       sync.RWMutex
	sessions map[string]*memoryLog
}

type memoryLog struct {
	events  []Event
	lastSeq int64
}

func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]*memoryLog)}
}

func (m *Memory) Append(_ context.Context, sessionID string, ev Event) (int64, error) {
	if err := ev.Validate(); err != nil {
		return 0, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.sessions[sessionID]
	if !ok {
		l = &memoryLog{}
		m.sessions[sessionID] = l
	}

	l.lastSeq++
	ev.Seq = l.lastSeq
	ev.SessionID = sessionID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	l.events = append(l.events, ev)
	return ev.Seq, nil
}

func (m *Memory) ReadAll(_ context.Context, sessionID string) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	l, ok := m.sessions[sessionID]
	if !ok {
		return []Event{}, nil
	}
	// Copy so callers can't observe later appends
	events := make([]Event, len(l.events))
	copy(events, l.events)
	return events, nil
}

func (m *Memory) Clear(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if l, ok := m.sessions[sessionID]; ok {
		l.events = nil
	}
	return nil
}

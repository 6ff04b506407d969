// Package presence keeps the per-session roster of participants: who is
// connected, under which name and color, and where their cursor is.
package presence

import (
	"sort"
	"sync"
	"time"
)

type Participant struct {
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Name      string    `json:"name"`
	Color     string    `json:"color"`
	X         float64   `json:"x"`
	Y         float64   `json:"y"`
	IsActive  bool      `json:"isActive"`
	LastSeen  time.Time `json:"lastSeen"`
	JoinOrder int64     `json:"-"`
}

type roster struct {
	mu        sync.Mutex
	byID      map[string]*Participant
	nextOrder int64
}

// Tracker locks in a fixed order: the tracker index first, then at most one
// roster.
type Tracker struct {
	mu      sync.Mutex
	rosters map[string]*roster
	index   map[string]string // user id -> session id
}

func NewTracker() *Tracker {
	return &Tracker{
		rosters: make(map[string]*roster),
		index:   make(map[string]string),
	}
}

// Upsert records id as an active participant of sessionID. A participant
// that is already present keeps its place in the join order. A participant
// bound to another session is moved.
func (t *Tracker) Upsert(sessionID, id string, p Participant) Participant {
	t.mu.Lock()
	defer t.mu.Unlock()

	if prev, ok := t.index[id]; ok && prev != sessionID {
		t.removeLocked(prev, id)
	}
	t.index[id] = sessionID

	r, ok := t.rosters[sessionID]
	if !ok {
		r = &roster{byID: make(map[string]*Participant)}
		t.rosters[sessionID] = r
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	p.SessionID = sessionID
	p.UserID = id
	p.IsActive = true
	p.LastSeen = time.Now()
	if existing, ok := r.byID[id]; ok {
		p.JoinOrder = existing.JoinOrder
	} else {
		r.nextOrder++
		p.JoinOrder = r.nextOrder
	}
	r.byID[id] = &p
	return p
}

// UpdateCursor moves the participant's cursor. It reports false when id is
// not in any session.
func (t *Tracker) UpdateCursor(id string, x, y float64) bool {
	return t.update(id, func(p *Participant) {
		p.X = x
		p.Y = y
	})
}

func (t *Tracker) Rename(id, name string) bool {
	return t.update(id, func(p *Participant) {
		p.Name = name
	})
}

func (t *Tracker) update(id string, fn func(p *Participant)) bool {
	r := t.rosterOf(id)
	if r == nil {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	if !ok || !p.IsActive {
		return false
	}
	fn(p)
	p.LastSeen = time.Now()
	return true
}

// Get returns a copy of id's record.
func (t *Tracker) Get(id string) (Participant, bool) {
	r := t.rosterOf(id)
	if r == nil {
		return Participant{}, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.byID[id]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// Remove marks id inactive in sessionID and drops its record. The returned
// copy is the last known state. A roster with nobody left is discarded.
func (t *Tracker) Remove(sessionID, id string) (Participant, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(sessionID, id)
}

// must hold t.mu
func (t *Tracker) removeLocked(sessionID, id string) (Participant, bool) {
	if t.index[id] == sessionID {
		delete(t.index, id)
	}

	r, ok := t.rosters[sessionID]
	if !ok {
		return Participant{}, false
	}

	r.mu.Lock()
	p, ok := r.byID[id]
	if ok {
		p.IsActive = false
		p.LastSeen = time.Now()
		delete(r.byID, id)
	}
	empty := len(r.byID) == 0
	r.mu.Unlock()

	if empty {
		delete(t.rosters, sessionID)
	}
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// ListActive returns the active participants of sessionID in join order.
func (t *Tracker) ListActive(sessionID string) []Participant {
	t.mu.Lock()
	r, ok := t.rosters[sessionID]
	t.mu.Unlock()
	if !ok {
		return []Participant{}
	}

	r.mu.Lock()
	list := make([]Participant, 0, len(r.byID))
	for _, p := range r.byID {
		if p.IsActive {
			list = append(list, *p)
		}
	}
	r.mu.Unlock()

	sort.Slice(list, func(i, j int) bool { return list[i].JoinOrder < list[j].JoinOrder })
	return list
}

func (t *Tracker) rosterOf(id string) *roster {
	t.mu.Lock()
	defer t.mu.Unlock()
	sessionID, ok := t.index[id]
	if !ok {
		return nil
	}
	return t.rosters[sessionID]
}

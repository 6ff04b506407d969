// Package router tracks which session each connection is bound to.
//
// Every session carries its own mutex. The router-wide index lock is held
// only to look a session up, create it, or prune it once empty, so joins
// and leaves on unrelated sessions never contend.
package router

import (
	"sync"
	"sync/atomic"
	"time"
)

type session struct {
	id        string
	createdAt time.Time

	mu           sync.Mutex
	members      map[string]struct{}
	lastActivity time.Time

	// set under mu once the member set empties; a pruned session is never
	// mutated again and getOrCreate replaces it
	pruned atomic.Bool
}

// Info is a point-in-time view of one session.
type Info struct {
	ID           string    `json:"id"`
	Members      int       `json:"members"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
}

type Router struct {
	mu       sync.Mutex
	sessions map[string]*session

	bindMu   sync.Mutex
	bindings map[string]string
}

func New() *Router {
	return &Router{
		sessions: make(map[string]*session),
		bindings: make(map[string]string),
	}
}

// Join binds id to sessionID and returns the session it was previously
// bound to, if any. A connection is in at most one session, so joining a
// different session first leaves the old one.
func (r *Router) Join(sessionID, id string) (previous string) {
	r.bindMu.Lock()
	previous = r.bindings[id]
	r.bindings[id] = sessionID
	r.bindMu.Unlock()

	if previous != "" && previous != sessionID {
		r.removeMember(previous, id)
	}
	r.addMember(sessionID, id)
	return previous
}

// Leave unbinds id and returns the session it left. It is a no-op for a
// connection that never joined.
func (r *Router) Leave(id string) (string, bool) {
	r.bindMu.Lock()
	sessionID, ok := r.bindings[id]
	delete(r.bindings, id)
	r.bindMu.Unlock()

	if !ok {
		return "", false
	}
	r.removeMember(sessionID, id)
	return sessionID, true
}

func (r *Router) SessionOf(id string) (string, bool) {
	r.bindMu.Lock()
	defer r.bindMu.Unlock()
	sessionID, ok := r.bindings[id]
	return sessionID, ok
}

// MembersOf returns a copy of the session's member set. Callers may iterate
// it without holding any router lock.
func (r *Router) MembersOf(sessionID string) []string {
	s := r.lookup(sessionID)
	if s == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	members := make([]string, 0, len(s.members))
	for id := range s.members {
		members = append(members, id)
	}
	return members
}

func (r *Router) Touch(sessionID string) {
	s := r.lookup(sessionID)
	if s == nil {
		return
	}
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

func (r *Router) Info(sessionID string) (Info, bool) {
	s := r.lookup(sessionID)
	if s == nil {
		return Info{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:           s.id,
		Members:      len(s.members),
		CreatedAt:    s.createdAt,
		LastActivity: s.lastActivity,
	}, true
}

// Active returns the member count of every live session.
func (r *Router) Active() map[string]int {
	r.mu.Lock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.mu.Unlock()

	active := make(map[string]int, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		if n := len(s.members); n > 0 {
			active[s.id] = n
		}
		s.mu.Unlock()
	}
	return active
}

func (r *Router) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

func (r *Router) lookup(sessionID string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sessions[sessionID]
}

func (r *Router) getOrCreate(sessionID string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[sessionID]; ok && !s.pruned.Load() {
		return s
	}
	now := time.Now()
	s := &session{
		id:           sessionID,
		createdAt:    now,
		lastActivity: now,
		members:      make(map[string]struct{}),
	}
	r.sessions[sessionID] = s
	return s
}

func (r *Router) addMember(sessionID, id string) {
	for {
		s := r.getOrCreate(sessionID)
		s.mu.Lock()
		if s.pruned.Load() {
			// lost a race with the last leaver; pick up the replacement
			s.mu.Unlock()
			continue
		}
		s.members[id] = struct{}{}
		s.lastActivity = time.Now()
		s.mu.Unlock()
		return
	}
}

func (r *Router) removeMember(sessionID, id string) {
	s := r.lookup(sessionID)
	if s == nil {
		return
	}

	s.mu.Lock()
	delete(s.members, id)
	empty := len(s.members) == 0 && !s.pruned.Load()
	if empty {
		s.pruned.Store(true)
	}
	s.mu.Unlock()

	if empty {
		r.mu.Lock()
		if r.sessions[sessionID] == s {
			delete(r.sessions, sessionID)
		}
		r.mu.Unlock()
	}
}

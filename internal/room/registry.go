// Package room tracks which live connections watch which chat session and fans events out to them.
package room

import (
	"log/slog"
	"sync"
)

// Registry is the in-memory membership table. A connection belongs to at most one room.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Conn // chat session id -> conn id -> conn
	log   *slog.Logger
}

func NewRegistry(log *slog.Logger) *Registry {
	return &Registry{
		rooms: make(map[string]map[string]*Conn),
		log:   log,
	}
}

// Join binds c to the room of sessionID, leaving any previous room. It returns false
// when c was already a member of that room or is closed, in which case nothing changes.
func (r *Registry) Join(c *Conn, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.Closed() {
		return false
	}

	if members, ok := r.rooms[sessionID]; ok {
		if _, ok := members[c.ID()]; ok {
			return false
		}
	}

	if prev := c.SessionID(); prev != "" {
		r.removeLocked(prev, c)
	}

	members := r.rooms[sessionID]
	if members == nil {
		members = make(map[string]*Conn)
		r.rooms[sessionID] = members
	}
	members[c.ID()] = c
	c.bind(sessionID)

	r.log.Debug("room joined", "chat_session_id", sessionID, "conn_id", c.ID(), "members", len(members))
	return true
}

// Leave removes c from its room. Other rooms and any in-flight turn are unaffected.
func (r *Registry) Leave(c *Conn) {
	sessionID := c.SessionID()
	if sessionID == "" {
		return
	}
	r.mu.Lock()
	r.removeLocked(sessionID, c)
	r.mu.Unlock()
	c.bind("")

	r.log.Debug("room left", "chat_session_id", sessionID, "conn_id", c.ID())
}

func (r *Registry) removeLocked(sessionID string, c *Conn) {
	members, ok := r.rooms[sessionID]
	if !ok {
		return
	}
	delete(members, c.ID())
	if len(members) == 0 {
		delete(r.rooms, sessionID)
	}
}

// Broadcast delivers ev to every member of the room except the excluded connection
// (which may be nil) and returns the number of deliveries. A room with no members is a no-op.
// A member whose queue overflows is evicted from the room; it never sees a partial stream.
func (r *Registry) Broadcast(sessionID string, ev Event, except *Conn) int {
	r.mu.RLock()
	members := make([]*Conn, 0, len(r.rooms[sessionID]))
	for _, c := range r.rooms[sessionID] {
		if except != nil && c.ID() == except.ID() {
			continue
		}
		members = append(members, c)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, c := range members {
		if c.Send(ev) {
			delivered++
			continue
		}
		if c.Evicted() {
			r.evict(sessionID, c)
			r.log.Warn("connection queue full, evicted",
				"chat_session_id", sessionID, "conn_id", c.ID(), "event", ev.Type)
		}
	}
	return delivered
}

func (r *Registry) evict(sessionID string, c *Conn) {
	r.mu.Lock()
	if r.rooms[sessionID][c.ID()] == c {
		r.removeLocked(sessionID, c)
	}
	r.mu.Unlock()
}

// Members returns the number of connections in the room.
func (r *Registry) Members(sessionID string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[sessionID])
}

// IsMember reports whether c is in the room of sessionID.
func (r *Registry) IsMember(sessionID string, c *Conn) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[sessionID][c.ID()]
	return ok
}

// Rooms returns the number of rooms with at least one member.
func (r *Registry) Rooms() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

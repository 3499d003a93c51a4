// Package room keeps the in-memory map from room keys to the live sessions
// subscribed to them. Membership is never persisted: a reconnecting client
// announces its rooms again.
package room

import (
	"strconv"
	"strings"
	"sync"

	"github.com/eventhub/live/internal/metrics"
)

// Admin is the single room every connected administrator is placed in.
const Admin = "admin"

const (
	eventPrefix = "event:"
	userPrefix  = "user:"
)

// Event returns the chat room key for an event.
func Event(eventID int64) string {
	return eventPrefix + strconv.FormatInt(eventID, 10)
}

// User returns the private notification room key for a user.
func User(userID int64) string {
	return userPrefix + strconv.FormatInt(userID, 10)
}

// Valid reports whether key has one of the three room shapes.
func Valid(key string) bool {
	if key == Admin {
		return true
	}
	for _, p := range []string{eventPrefix, userPrefix} {
		if rest, ok := strings.CutPrefix(key, p); ok {
			n, err := strconv.ParseInt(rest, 10, 64)
			return err == nil && n > 0
		}
	}
	return false
}

// Member is a live session that can receive pushed frames. Send must not
// wait on the peer: fan-out runs under the room's lock.
type Member interface {
	SessionID() string
	Send(data []byte) error
}

// Registry maps room keys to member sets. Rooms are created on first join and
// dropped as soon as their last member leaves.
type Registry struct {
	mu        sync.RWMutex
	rooms     map[string]map[string]Member // room -> session id -> member
	bySession map[string]map[string]struct{}
}

func NewRegistry() *Registry {
	return &Registry{
		rooms:     make(map[string]map[string]Member),
		bySession: make(map[string]map[string]struct{}),
	}
}

// Join adds m to room. Joining a room twice is a no-op.
func (r *Registry) Join(room string, m Member) {
	id := m.SessionID()

	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]Member)
		r.rooms[room] = members
	}
	members[id] = m

	joined, ok := r.bySession[id]
	if !ok {
		joined = make(map[string]struct{})
		r.bySession[id] = joined
	}
	joined[room] = struct{}{}

	metrics.RoomsActive.Set(float64(len(r.rooms)))
}

// Leave removes the session from room.
func (r *Registry) Leave(room string, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.leaveLocked(room, sessionID)
	metrics.RoomsActive.Set(float64(len(r.rooms)))
}

// LeaveAll removes the session from every room it joined and returns those
// rooms.
func (r *Registry) LeaveAll(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	joined := r.bySession[sessionID]
	left := make([]string, 0, len(joined))
	for room := range joined {
		r.leaveLocked(room, sessionID)
		left = append(left, room)
	}
	delete(r.bySession, sessionID)

	metrics.RoomsActive.Set(float64(len(r.rooms)))
	return left
}

func (r *Registry) leaveLocked(room, sessionID string) {
	if members, ok := r.rooms[room]; ok {
		delete(members, sessionID)
		if len(members) == 0 {
			delete(r.rooms, room)
		}
	}
	if joined, ok := r.bySession[sessionID]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(r.bySession, sessionID)
		}
	}
}

// Members returns a snapshot of the members of room. The slice is owned by the
// caller; later joins and leaves do not affect it.
func (r *Registry) Members(room string) []Member {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.rooms[room]
	out := make([]Member, 0, len(members))
	for _, m := range members {
		out = append(out, m)
	}
	return out
}

// IsMember reports whether the session is currently in room.
func (r *Registry) IsMember(room string, sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.rooms[room][sessionID]
	return ok
}

// Rooms returns the rooms the session has joined.
func (r *Registry) Rooms(sessionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.bySession[sessionID]))
	for room := range r.bySession[sessionID] {
		out = append(out, room)
	}
	return out
}

// Count returns the number of non-empty rooms.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

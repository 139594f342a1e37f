// Package session tracks live connections: which identity owns each
// connection, which conversation rooms it has joined, and when it was last
// seen. Sessions are ephemeral; nothing here is persisted.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrDuplicateConnection = errors.New("connection already registered")
	ErrNotAuthenticated    = errors.New("connection not registered")
)

type entry struct {
	identityID uuid.UUID
	rooms      map[uuid.UUID]struct{}
	lastSeen   time.Time
}

// Registry is the single piece of shared mutable state in the core. One
// RWMutex guards both directions of the index; every read hands back a
// snapshot so fan-out never runs under the lock.
type Registry struct {
	mu         sync.RWMutex
	conns      map[string]*entry
	byIdentity map[uuid.UUID]map[string]struct{}
	byRoom     map[uuid.UUID]map[string]struct{}

	now func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		conns:      make(map[string]*entry),
		byIdentity: make(map[uuid.UUID]map[string]struct{}),
		byRoom:     make(map[uuid.UUID]map[string]struct{}),
		now:        time.Now,
	}
}

// Register inserts a new connection for an identity. wasFirstConnection is
// true iff the identity had no other live connection, so the caller can fire
// the online event exactly once per identity rather than once per device.
func (r *Registry) Register(connectionID string, identityID uuid.UUID) (wasFirstConnection bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.conns[connectionID]; exists {
		return false, ErrDuplicateConnection
	}

	r.conns[connectionID] = &entry{
		identityID: identityID,
		rooms:      make(map[uuid.UUID]struct{}),
		lastSeen:   r.now(),
	}

	set, ok := r.byIdentity[identityID]
	if !ok {
		set = make(map[string]struct{})
		r.byIdentity[identityID] = set
	}
	set[connectionID] = struct{}{}

	return len(set) == 1, nil
}

// Unregister removes a connection. wasLastConnection is true iff no other
// live connection remains for the identity; the offline event must fire only
// then. Unknown connections are a no-op with found=false.
func (r *Registry) Unregister(connectionID string) (identityID uuid.UUID, wasLastConnection, found bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connectionID]
	if !ok {
		return uuid.Nil, false, false
	}
	delete(r.conns, connectionID)

	for roomID := range e.rooms {
		r.removeFromRoom(connectionID, roomID)
	}

	set := r.byIdentity[e.identityID]
	delete(set, connectionID)
	if len(set) == 0 {
		delete(r.byIdentity, e.identityID)
		return e.identityID, true, true
	}
	return e.identityID, false, true
}

// IdentityFor returns the identity that owns a connection.
func (r *Registry) IdentityFor(connectionID string) (uuid.UUID, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[connectionID]
	if !ok {
		return uuid.Nil, ErrNotAuthenticated
	}
	return e.identityID, nil
}

// JoinRoom subscribes a connection to a conversation's broadcasts. Whether
// the identity is actually a participant of the conversation is the caller's
// responsibility to check against storage; the registry holds only the
// currently-joined set.
func (r *Registry) JoinRoom(connectionID string, conversationID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.conns[connectionID]
	if !ok {
		return ErrNotAuthenticated
	}
	e.rooms[conversationID] = struct{}{}

	members, ok := r.byRoom[conversationID]
	if !ok {
		members = make(map[string]struct{})
		r.byRoom[conversationID] = members
	}
	members[connectionID] = struct{}{}
	return nil
}

// LeaveRoom unsubscribes a connection from a room. Idempotent: leaving a
// never-joined room or an unknown connection is not an error.
func (r *Registry) LeaveRoom(connectionID string, conversationID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.conns[connectionID]; ok {
		delete(e.rooms, conversationID)
	}
	r.removeFromRoom(connectionID, conversationID)
}

// removeFromRoom must be called with the write lock held.
func (r *Registry) removeFromRoom(connectionID string, conversationID uuid.UUID) {
	members, ok := r.byRoom[conversationID]
	if !ok {
		return
	}
	delete(members, connectionID)
	if len(members) == 0 {
		delete(r.byRoom, conversationID)
	}
}

// InRoom reports whether a connection has joined a room.
func (r *Registry) InRoom(connectionID string, conversationID uuid.UUID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[connectionID]
	if !ok {
		return false
	}
	_, joined := e.rooms[conversationID]
	return joined
}

// ConnectionsFor returns a snapshot of the identity's live connections.
func (r *Registry) ConnectionsFor(identityID uuid.UUID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := r.byIdentity[identityID]
	out := make([]string, 0, len(set))
	for connID := range set {
		out = append(out, connID)
	}
	return out
}

// RoomMembers returns a snapshot of the connections joined to a room.
func (r *Registry) RoomMembers(conversationID uuid.UUID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	members := r.byRoom[conversationID]
	out := make([]string, 0, len(members))
	for connID := range members {
		out = append(out, connID)
	}
	return out
}

// Connections returns a snapshot of every live connection id.
func (r *Registry) Connections() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.conns))
	for connID := range r.conns {
		out = append(out, connID)
	}
	return out
}

// OnlineIdentities returns a snapshot of every identity with at least one
// live connection.
func (r *Registry) OnlineIdentities() []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]uuid.UUID, 0, len(r.byIdentity))
	for id := range r.byIdentity {
		out = append(out, id)
	}
	return out
}

// Touch refreshes a connection's liveness timestamp.
func (r *Registry) Touch(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.conns[connectionID]; ok {
		e.lastSeen = r.now()
	}
}

// LastSeen returns the liveness timestamp for a connection.
func (r *Registry) LastSeen(connectionID string) (time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, ok := r.conns[connectionID]
	if !ok {
		return time.Time{}, ErrNotAuthenticated
	}
	return e.lastSeen, nil
}

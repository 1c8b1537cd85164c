package websocket

import (
	"sync"

	"cipherchat/pkg/interfaces"
)

type presenceKey struct {
	identityID int64
	roomID     int64
}

// Registry tracks live connections, room broadcast groups and per-(identity, room)
// presence counts
// ARCHITECTURAL DISCOVERY: Pure connection bookkeeping without business logic;
// presence decisions belong to the coordinator, which reads the counts returned here
type Registry struct {
	mu        sync.RWMutex
	conns     map[string]interfaces.Connection           // connID -> Connection
	rooms     map[int64]map[string]interfaces.Connection // roomID -> connID -> Connection
	connRooms map[string]map[int64]struct{}              // connID -> subscribed rooms
	presence  map[presenceKey]int                        // live connections of an identity in a room
}

// NewRegistry creates a new connection registry
func NewRegistry() *Registry {
	return &Registry{
		conns:     make(map[string]interfaces.Connection),
		rooms:     make(map[int64]map[string]interfaces.Connection),
		connRooms: make(map[string]map[int64]struct{}),
		presence:  make(map[presenceKey]int),
	}
}

// Register adds a connection; anonymous connections are tracked too
func (r *Registry) Register(conn interfaces.Connection) error {
	if conn == nil {
		return ErrNilConnection
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.conns[conn.ID()] = conn
	if _, ok := r.connRooms[conn.ID()]; !ok {
		r.connRooms[conn.ID()] = make(map[int64]struct{})
	}
	return nil
}

// Unregister removes a connection and any subscriptions it still holds.
// Idempotent.
func (r *Registry) Unregister(conn interfaces.Connection) {
	if conn == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for roomID := range r.connRooms[conn.ID()] {
		r.unsubscribeLocked(conn, roomID)
	}
	delete(r.connRooms, conn.ID())
	delete(r.conns, conn.ID())
}

// Subscribe adds conn to the room group. added is false when it was already
// subscribed; count is the identity's live connection count in the room afterwards.
func (r *Registry) Subscribe(conn interfaces.Connection, roomID int64) (added bool, count int, err error) {
	if conn == nil {
		return false, 0, ErrNilConnection
	}
	identity := conn.Identity()
	if identity == nil {
		return false, 0, ErrConnectionNotAuthenticated
	}
	key := presenceKey{identityID: identity.ID, roomID: roomID}

	r.mu.Lock()
	defer r.mu.Unlock()

	subs, ok := r.connRooms[conn.ID()]
	if !ok {
		return false, 0, ErrConnectionNotRegistered
	}
	if _, already := subs[roomID]; already {
		return false, r.presence[key], nil
	}

	subs[roomID] = struct{}{}
	group := r.rooms[roomID]
	if group == nil {
		group = make(map[string]interfaces.Connection)
		r.rooms[roomID] = group
	}
	group[conn.ID()] = conn
	r.presence[key]++

	return true, r.presence[key], nil
}

// Unsubscribe removes conn from the room group. remaining is the identity's
// live connection count in the room afterwards.
func (r *Registry) Unsubscribe(conn interfaces.Connection, roomID int64) (removed bool, remaining int) {
	if conn == nil {
		return false, 0
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	return r.unsubscribeLocked(conn, roomID)
}

func (r *Registry) unsubscribeLocked(conn interfaces.Connection, roomID int64) (bool, int) {
	subs := r.connRooms[conn.ID()]
	if _, ok := subs[roomID]; !ok {
		return false, r.presenceOfLocked(conn, roomID)
	}
	delete(subs, roomID)

	// TECHNICAL DISCOVERY: Clean up empty maps to prevent memory leaks
	if group := r.rooms[roomID]; group != nil {
		delete(group, conn.ID())
		if len(group) == 0 {
			delete(r.rooms, roomID)
		}
	}

	identity := conn.Identity()
	if identity == nil {
		return true, 0
	}
	key := presenceKey{identityID: identity.ID, roomID: roomID}
	r.presence[key]--
	remaining := r.presence[key]
	if remaining <= 0 {
		delete(r.presence, key)
		remaining = 0
	}
	return true, remaining
}

func (r *Registry) presenceOfLocked(conn interfaces.Connection, roomID int64) int {
	identity := conn.Identity()
	if identity == nil {
		return 0
	}
	return r.presence[presenceKey{identityID: identity.ID, roomID: roomID}]
}

// DropRoom removes the whole room group and returns the connections that were in it
func (r *Registry) DropRoom(roomID int64) []interfaces.Connection {
	r.mu.Lock()
	defer r.mu.Unlock()

	group := r.rooms[roomID]
	dropped := make([]interfaces.Connection, 0, len(group))
	for _, conn := range group {
		dropped = append(dropped, conn)
		r.unsubscribeLocked(conn, roomID)
	}
	return dropped
}

// RoomConnections returns a snapshot of the room group for broadcasting
func (r *Registry) RoomConnections(roomID int64) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	group := r.rooms[roomID]
	connections := make([]interfaces.Connection, 0, len(group))
	for _, conn := range group {
		connections = append(connections, conn)
	}
	return connections
}

// ConnectionRooms returns the rooms conn is subscribed to
func (r *Registry) ConnectionRooms(conn interfaces.Connection) []int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	subs := r.connRooms[conn.ID()]
	rooms := make([]int64, 0, len(subs))
	for roomID := range subs {
		rooms = append(rooms, roomID)
	}
	return rooms
}

// Connections returns a snapshot of every registered connection
func (r *Registry) Connections() []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	connections := make([]interfaces.Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		connections = append(connections, conn)
	}
	return connections
}

// IdentityConnections returns every registered connection resolved to identityID
func (r *Registry) IdentityConnections(identityID int64) []interfaces.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var connections []interfaces.Connection
	for _, conn := range r.conns {
		if identity := conn.Identity(); identity != nil && identity.ID == identityID {
			connections = append(connections, conn)
		}
	}
	return connections
}

// PresenceCount returns how many live connections of identityID are in roomID
func (r *Registry) PresenceCount(identityID, roomID int64) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.presence[presenceKey{identityID: identityID, roomID: roomID}]
}

// IsSubscribed reports whether conn is in the room group
func (r *Registry) IsSubscribed(conn interfaces.Connection, roomID int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.connRooms[conn.ID()][roomID]
	return ok
}

// GetStats returns registry statistics for monitoring and debugging
func (r *Registry) GetStats() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	anonymous := 0
	for _, conn := range r.conns {
		if conn.Identity() == nil {
			anonymous++
		}
	}

	return map[string]int{
		"total_connections":     len(r.conns),
		"anonymous_connections": anonymous,
		"active_rooms":          len(r.rooms),
		"present_identities":    len(r.presence),
	}
}

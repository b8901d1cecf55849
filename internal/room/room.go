// Package room tracks which connections have joined which project rooms.
package room

import (
	"sort"
	"sync"
)

// Member is one connection joined to a room.
type Member struct {
	ConnID string
	UserID string
}

// Membership is the shared room membership table. Rooms with no members do
// not exist.
type Membership interface {
	// Add joins m to room. first is false when m was already a member.
	Add(room string, m Member) (first bool)

	// Remove drops connID from room. removed is false when it was not a
	// member; userConns counts the connections the same user still holds in
	// room afterwards.
	Remove(room, connID string) (removed bool, userConns int)

	// Members returns the current members of room ordered by connection id.
	Members(room string) []Member

	// RoomsOf returns the rooms connID has joined.
	RoomsOf(connID string) []string

	// Contains reports whether connID is a member of room.
	Contains(room, connID string) bool
}

// Memory is an in-process Membership.
type Memory struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]string // room -> conn -> user
	byConn map[string]map[string]struct{}
}

// NewMemory returns an empty membership table.
func NewMemory() *Memory {
	return &Memory{
		rooms:  make(map[string]map[string]string),
		byConn: make(map[string]map[string]struct{}),
	}
}

// Add joins m to room.
func (m *Memory) Add(room string, mem Member) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns, ok := m.rooms[room]
	if !ok {
		conns = make(map[string]string)
		m.rooms[room] = conns
	}
	if _, exists := conns[mem.ConnID]; exists {
		return false
	}
	conns[mem.ConnID] = mem.UserID

	joined, ok := m.byConn[mem.ConnID]
	if !ok {
		joined = make(map[string]struct{})
		m.byConn[mem.ConnID] = joined
	}
	joined[room] = struct{}{}
	return true
}

// Remove drops connID from room.
func (m *Memory) Remove(room, connID string) (bool, int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns, ok := m.rooms[room]
	if !ok {
		return false, 0
	}
	userID, ok := conns[connID]
	if !ok {
		return false, 0
	}
	delete(conns, connID)
	if len(conns) == 0 {
		delete(m.rooms, room)
	}

	if joined, ok := m.byConn[connID]; ok {
		delete(joined, room)
		if len(joined) == 0 {
			delete(m.byConn, connID)
		}
	}

	remaining := 0
	for _, u := range conns {
		if u == userID {
			remaining++
		}
	}
	return true, remaining
}

// Members returns a snapshot of room's members.
func (m *Memory) Members(room string) []Member {
	m.mu.RLock()
	defer m.mu.RUnlock()

	conns := m.rooms[room]
	out := make([]Member, 0, len(conns))
	for connID, userID := range conns {
		out = append(out, Member{ConnID: connID, UserID: userID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnID < out[j].ConnID })
	return out
}

// RoomsOf returns the rooms connID has joined, sorted.
func (m *Memory) RoomsOf(connID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	joined := m.byConn[connID]
	out := make([]string, 0, len(joined))
	for r := range joined {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// Contains reports whether connID is a member of room.
func (m *Memory) Contains(room, connID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, ok := m.rooms[room][connID]
	return ok
}

// Len returns the number of non-empty rooms.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rooms)
}

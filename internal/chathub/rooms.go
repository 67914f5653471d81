package chathub

import (
	"sync"

	"matchwire/backend/internal/models"
)

// RoomRegistry maps room ids to the connections currently joined to them.
// Rooms exist while they have at least one member.
type RoomRegistry struct {
	mu     sync.RWMutex
	rooms  map[string]map[string]Client // roomID -> connID -> client
	joined map[string]map[string]struct{}
}

func NewRoomRegistry() *RoomRegistry {
	return &RoomRegistry{
		rooms:  make(map[string]map[string]Client),
		joined: make(map[string]map[string]struct{}),
	}
}

// Join adds c to roomID. It reports whether c was not already a member.
func (r *RoomRegistry) Join(c Client, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	members, ok := r.rooms[roomID]
	if !ok {
		members = make(map[string]Client)
		r.rooms[roomID] = members
	}
	if _, ok := members[c.GetConnID()]; ok {
		return false
	}
	members[c.GetConnID()] = c

	if r.joined[c.GetConnID()] == nil {
		r.joined[c.GetConnID()] = make(map[string]struct{})
	}
	r.joined[c.GetConnID()][roomID] = struct{}{}
	return true
}

// Leave removes c from roomID. It reports whether c was a member.
func (r *RoomRegistry) Leave(c Client, roomID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(c.GetConnID(), roomID)
}

// LeaveAll removes c from every room and returns the rooms it left.
func (r *RoomRegistry) LeaveAll(c Client) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var left []string
	for roomID := range r.joined[c.GetConnID()] {
		if r.leaveLocked(c.GetConnID(), roomID) {
			left = append(left, roomID)
		}
	}
	return left
}

func (r *RoomRegistry) leaveLocked(connID, roomID string) bool {
	members, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	if _, ok := members[connID]; !ok {
		return false
	}
	delete(members, connID)
	if len(members) == 0 {
		delete(r.rooms, roomID)
	}

	delete(r.joined[connID], roomID)
	if len(r.joined[connID]) == 0 {
		delete(r.joined, connID)
	}
	return true
}

// Members returns a snapshot of the connections in roomID.
func (r *RoomRegistry) Members(roomID string) []Client {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Client, 0, len(r.rooms[roomID]))
	for _, c := range r.rooms[roomID] {
		out = append(out, c)
	}
	return out
}

// IsMember reports whether connection c has joined roomID.
func (r *RoomRegistry) IsMember(c Client, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[roomID][c.GetConnID()]
	return ok
}

// HasUser reports whether any connection of userID has joined roomID.
func (r *RoomRegistry) HasUser(roomID, userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, c := range r.rooms[roomID] {
		if c.GetUserID() == userID {
			return true
		}
	}
	return false
}

// Broadcast queues ev on every member of roomID except skip, which may be nil.
// Delivery happens outside the lock. It returns the number of connections the
// event was queued on.
func (r *RoomRegistry) Broadcast(roomID string, ev models.Event, skip Client) int {
	delivered := 0
	for _, c := range r.Members(roomID) {
		if skip != nil && c.GetConnID() == skip.GetConnID() {
			continue
		}
		if c.Queue(ev) {
			delivered++
		}
	}
	return delivered
}

// Len returns the number of non-empty rooms.
func (r *RoomRegistry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

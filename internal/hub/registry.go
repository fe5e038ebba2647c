// Package hub tracks which connections belong to which room and fans
// broadcast frames out to them. Rooms are identified by their group key;
// membership sets are created implicitly on first join and removed when the
// last member leaves.
package hub

import "sync"

// Member is one deliverable endpoint in a room, implemented by the transport
// connection.
type Member interface {
	ID() string
	Send(data []byte) error
}

// Registry maps group keys to their current local members. Safe for
// concurrent join, leave and deliver.
type Registry struct {
	mu    sync.RWMutex
	rooms map[string]map[string]Member
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]map[string]Member)}
}

// Join adds a member to the room's set, creating the set if this is the
// room's first member. It reports whether the room is newly created.
func (r *Registry) Join(key string, m Member) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.rooms[key]
	if !ok {
		set = make(map[string]Member)
		r.rooms[key] = set
	}
	set[m.ID()] = m
	return !ok
}

// Leave removes a member from the room's set, dropping the set when it
// becomes empty. It reports whether the room is now gone.
func (r *Registry) Leave(key, memberID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set, ok := r.rooms[key]
	if !ok {
		return false
	}
	delete(set, memberID)
	if len(set) == 0 {
		delete(r.rooms, key)
		return true
	}
	return false
}

// Deliver sends data to every current member of the room. Delivery is
// best-effort: individual send errors are ignored, since a failing member is
// a dying connection the transport will evict on its own.
func (r *Registry) Deliver(key string, data []byte) {
	r.mu.RLock()
	members := make([]Member, 0, len(r.rooms[key]))
	for _, m := range r.rooms[key] {
		members = append(members, m)
	}
	r.mu.RUnlock()

	for _, m := range members {
		_ = m.Send(data)
	}
}

// MemberCount returns how many members a room currently has.
func (r *Registry) MemberCount(key string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[key])
}

// RoomCount returns how many rooms currently have members.
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

package realtime

import "sort"

// Member is a connection's entry in a room.
type Member struct {
	ConnectionID string
	UserID       string
	UserName     string
	seq          uint64
}

// Registry maps note identifiers to the members currently present.
// A room exists iff it has at least one member. Registry is not safe for
// concurrent use; the Hub event loop is its only caller.
type Registry struct {
	rooms   map[string]map[string]Member
	nextSeq uint64
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{rooms: make(map[string]map[string]Member)}
}

// Admit inserts the member into the room after evicting any entry held by the same user.
// It returns the evicted entries.
func (r *Registry) Admit(noteID string, member Member) []Member {
	room, ok := r.rooms[noteID]
	if !ok {
		room = make(map[string]Member)
		r.rooms[noteID] = room
	}

	var evicted []Member
	for connectionID, existing := range room {
		if existing.UserID == member.UserID {
			delete(room, connectionID)
			evicted = append(evicted, existing)
		}
	}

	r.nextSeq++
	member.seq = r.nextSeq
	room[member.ConnectionID] = member
	return evicted
}

// Remove deletes the entry held by connectionID and dematerializes the room when it empties.
func (r *Registry) Remove(noteID, connectionID string) (Member, bool) {
	room, ok := r.rooms[noteID]
	if !ok {
		return Member{}, false
	}
	member, ok := room[connectionID]
	if !ok {
		return Member{}, false
	}
	delete(room, connectionID)
	if len(room) == 0 {
		delete(r.rooms, noteID)
	}
	return member, true
}

// Contains reports whether connectionID holds an entry in the room.
func (r *Registry) Contains(noteID, connectionID string) bool {
	_, ok := r.rooms[noteID][connectionID]
	return ok
}

// Members returns the room's entries in join order.
func (r *Registry) Members(noteID string) []Member {
	room := r.rooms[noteID]
	members := make([]Member, 0, len(room))
	for _, member := range room {
		members = append(members, member)
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].seq < members[j].seq
	})
	return members
}

// RoomsOf returns the sorted note identifiers of every room connectionID is in.
func (r *Registry) RoomsOf(connectionID string) []string {
	var noteIDs []string
	for noteID, room := range r.rooms {
		if _, ok := room[connectionID]; ok {
			noteIDs = append(noteIDs, noteID)
		}
	}
	sort.Strings(noteIDs)
	return noteIDs
}

// RoomCount returns the number of materialized rooms.
func (r *Registry) RoomCount() int {
	return len(r.rooms)
}

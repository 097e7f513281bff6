// Package presence tracks live connections in this process: which user each
// belongs to and which channel, if any, it is viewing.
package presence

import (
	"sort"
	"sync"
)

// Membership identifies one join of a connection to a channel. Gen grows
// with every join so a late leave for an earlier join can be told apart.
type Membership struct {
	Channel string
	Gen     uint64
}

type entry struct {
	user   string
	member Membership
}

// Registry is safe for concurrent use. Each connection's entry is written
// only by that connection's session; fanout reads from any goroutine.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*entry
	users map[string]map[string]struct{}
	rooms map[string]map[string]struct{}
	gen   uint64
}

func New() *Registry {
	return &Registry{
		conns: make(map[string]*entry),
		users: make(map[string]map[string]struct{}),
		rooms: make(map[string]map[string]struct{}),
	}
}

func add(m map[string]map[string]struct{}, key, id string) {
	set, ok := m[key]
	if !ok {
		set = make(map[string]struct{})
		m[key] = set
	}
	set[id] = struct{}{}
}

func remove(m map[string]map[string]struct{}, key, id string) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(m, key)
	}
}

// Register records a new connection for user
func (r *Registry) Register(connID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if old, ok := r.conns[connID]; ok {
		r.dropLocked(connID, old)
	}
	r.conns[connID] = &entry{user: userID}
	add(r.users, userID, connID)
}

// Unregister forgets the connection and returns the channel it was viewing
func (r *Registry) Unregister(connID string) (Membership, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok {
		return Membership{}, false
	}
	m := e.member
	r.dropLocked(connID, e)
	return m, m.Channel != ""
}

func (r *Registry) dropLocked(connID string, e *entry) {
	if e.member.Channel != "" {
		remove(r.rooms, e.member.Channel, connID)
	}
	remove(r.users, e.user, connID)
	delete(r.conns, connID)
}

// JoinChannel moves the connection into channel, leaving whatever it viewed
// before. It returns the previous membership when there was one.
func (r *Registry) JoinChannel(connID, channelID string) (joined Membership, previous Membership, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, found := r.conns[connID]
	if !found {
		return Membership{}, Membership{}, false
	}
	previous = e.member
	if previous.Channel != "" {
		remove(r.rooms, previous.Channel, connID)
	}
	r.gen++
	e.member = Membership{Channel: channelID, Gen: r.gen}
	add(r.rooms, channelID, connID)
	return e.member, previous, true
}

// LeaveChannel removes the connection from m.Channel unless it has joined
// again since m was issued.
func (r *Registry) LeaveChannel(connID string, m Membership) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.conns[connID]
	if !ok || e.member != m || m.Channel == "" {
		return false
	}
	remove(r.rooms, m.Channel, connID)
	e.member = Membership{}
	return true
}

// Channel returns the current membership of the connection
func (r *Registry) Channel(connID string) (Membership, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok || e.member.Channel == "" {
		return Membership{}, false
	}
	return e.member, true
}

// User returns the owner of the connection
func (r *Registry) User(connID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.conns[connID]
	if !ok {
		return "", false
	}
	return e.user, true
}

// ViewersOf returns the distinct users with a connection joined to channelID, sorted
func (r *Registry) ViewersOf(channelID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	for connID := range r.rooms[channelID] {
		seen[r.conns[connID].user] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for u := range seen {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// ConnectionsIn returns the connections joined to channelID
func (r *Registry) ConnectionsIn(channelID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return keys(r.rooms[channelID])
}

// ConnectionsOf returns every connection of userID
func (r *Registry) ConnectionsOf(userID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return keys(r.users[userID])
}

func keys(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// IsOnline reports whether userID has at least one registered connection
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.users[userID]) > 0
}

// Online returns the subset of users that are online, preserving order
func (r *Registry) Online(users []string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(users))
	for _, u := range users {
		if len(r.users[u]) > 0 {
			out = append(out, u)
		}
	}
	return out
}

// Count returns the number of registered connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Package identity is the boundary to user data this service consumes but
// does not own: device tokens for push and display names for list previews.
package identity

import (
	"context"
	"sort"
	"sync"
)

// Directory resolves and maintains per-user identity data
type Directory interface {
	// DeviceTokens returns the registered tokens of each user that has any
	DeviceTokens(ctx context.Context, users []string) (map[string][]string, error)
	// SaveToken binds token to userID, moving it away from any previous owner
	SaveToken(ctx context.Context, userID, token string) error
	RemoveTokens(ctx context.Context, tokens []string) error
	// DisplayName returns an empty string when the user is unknown
	DisplayName(ctx context.Context, userID string) (string, error)
	SetDisplayName(ctx context.Context, userID, name string) error
}

// MemoryDirectory keeps identity data in process memory
type MemoryDirectory struct {
	mu     sync.RWMutex
	tokens map[string]map[string]struct{}
	owner  map[string]string
	names  map[string]string
}

func NewMemory() *MemoryDirectory {
	return &MemoryDirectory{
		tokens: make(map[string]map[string]struct{}),
		owner:  make(map[string]string),
		names:  make(map[string]string),
	}
}

var _ Directory = (*MemoryDirectory)(nil)

func (m *MemoryDirectory) DeviceTokens(ctx context.Context, users []string) (map[string][]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string][]string, len(users))
	for _, u := range users {
		set := m.tokens[u]
		if len(set) == 0 {
			continue
		}
		list := make([]string, 0, len(set))
		for t := range set {
			list = append(list, t)
		}
		sort.Strings(list)
		out[u] = list
	}
	return out, nil
}

func (m *MemoryDirectory) SaveToken(ctx context.Context, userID, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.owner[token]; ok && prev != userID {
		delete(m.tokens[prev], token)
	}
	set, ok := m.tokens[userID]
	if !ok {
		set = make(map[string]struct{})
		m.tokens[userID] = set
	}
	set[token] = struct{}{}
	m.owner[token] = userID
	return nil
}

func (m *MemoryDirectory) RemoveTokens(ctx context.Context, tokens []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range tokens {
		if u, ok := m.owner[t]; ok {
			delete(m.tokens[u], t)
			delete(m.owner, t)
		}
	}
	return nil
}

func (m *MemoryDirectory) DisplayName(ctx context.Context, userID string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.names[userID], nil
}

func (m *MemoryDirectory) SetDisplayName(ctx context.Context, userID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names[userID] = name
	return nil
}

package server

import (
	"sync"
)

// Registry tracks which username owns which live client. It is the sole
// source of truth for "is this user reachable for direct delivery" and
// enforces at most one active session per username.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*client
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*client)}
}

// Bind records username → client. It returns false when the username is
// already bound to a different client; rebinding the same client is an
// idempotent success.
func (r *Registry) Bind(username string, c *client) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[username]; ok && existing != c {
		return false
	}
	r.sessions[username] = c
	return true
}

// Unbind removes the binding. Unbinding an unknown username is a no-op.
func (r *Registry) Unbind(username string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, username)
}

func (r *Registry) Find(username string) (*client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.sessions[username]
	return c, ok
}

// Active returns the usernames with a live session.
func (r *Registry) Active() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	users := make([]string, 0, len(r.sessions))
	for username := range r.sessions {
		users = append(users, username)
	}
	return users
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

package stream

import (
	"fmt"
	"slices"
	"strings"
	"sync"
)

// Registry maps call ids to their active session. It is the only structure
// shared between sessions and is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Claim reserves id and registers the session build returns under it. It
// fails with [ErrSessionExists] when the id is already active, in which case
// build is never called.
func (r *Registry) Claim(id string, build func() *Session) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[id]; ok {
		return nil, fmt.Errorf("%w: %q", ErrSessionExists, id)
	}
	s := build()
	r.sessions[id] = s
	return s, nil
}

// Remove unregisters the session under id, but only if it is still s. A
// newer session that reused the id after s closed is left alone.
func (r *Registry) Remove(id string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.sessions[id]; ok && cur == s {
		delete(r.sessions, id)
		return true
	}
	return false
}

// Get returns the active session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[id]
	return s, ok
}

// Len returns the number of active sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the info of every active session, oldest first.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.RLock()
	list := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		list = append(list, s)
	}
	r.mu.RUnlock()

	infos := make([]SessionInfo, 0, len(list))
	for _, s := range list {
		infos = append(infos, s.Info())
	}
	slices.SortFunc(infos, func(a, b SessionInfo) int {
		if c := a.StartedAt.Compare(b.StartedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	return infos
}

package btp

import "sync"

// Registry tracks the live session per peer id. A reconnecting peer
// replaces its previous session, which gets closed.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// Put installs the session for its peer, closing any session it replaces.
func (r *Registry) Put(s *Session) {
	r.mu.Lock()
	old := r.sessions[s.PeerID()]
	r.sessions[s.PeerID()] = s
	r.mu.Unlock()
	if old != nil && old != s {
		old.Close()
	}
}

// Get returns the session for a peer, if any.
func (r *Registry) Get(peerID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[peerID]
	return s, ok
}

// Remove drops the peer's entry, but only if it still points at s. This
// keeps a stale session's teardown from evicting its replacement.
func (r *Registry) Remove(peerID string, s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sessions[peerID] == s {
		delete(r.sessions, peerID)
	}
}

// List snapshots the current sessions.
func (r *Registry) List() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// CloseAll closes every session and waits for their goroutines.
func (r *Registry) CloseAll() {
	for _, s := range r.List() {
		s.Close()
	}
	for _, s := range r.List() {
		s.Wait()
	}
}

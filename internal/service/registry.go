package service

import "sync"

// Registry is the single source of truth for which accounts currently hold a
// live session. It is owned by the orchestrator; nothing else mutates it.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
	}
}

func (r *Registry) Get(clientID string) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[clientID]
}

func (r *Registry) Set(clientID string, session *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[clientID] = session
}

func (r *Registry) Delete(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, clientID)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// All returns a snapshot of the registered sessions.
func (r *Registry) All() map[string]*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make(map[string]*Session, len(r.sessions))
	for k, v := range r.sessions {
		result[k] = v
	}
	return result
}

package collab

import (
	"sort"
	"sync"

	"github.com/Ahui-qn/2video/internal/domain"
)

// Registry is the in-memory directory of live sessions keyed by connection id.
// It is owned by the engine that creates it; nothing is shared between instances.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]domain.Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]domain.Session)}
}

// Add stores the session, replacing any previous session of the same connection.
// The replaced session is returned when there was one.
func (r *Registry) Add(session domain.Session) (domain.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev, ok := r.sessions[session.ConnectionID]
	r.sessions[session.ConnectionID] = session
	return prev, ok
}

// Remove deletes the session of a connection.
func (r *Registry) Remove(connectionID string) (domain.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[connectionID]
	if ok {
		delete(r.sessions, connectionID)
	}
	return s, ok
}

// Get returns the session of a connection.
func (r *Registry) Get(connectionID string) (domain.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sessions[connectionID]
	return s, ok
}

// UpdateRole rewrites the cached role of every live session the user holds in
// the project and reports how many were touched.
func (r *Registry) UpdateRole(projectID, userID string, role domain.Role) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for id, s := range r.sessions {
		if s.ProjectID == projectID && s.UserID == userID {
			s.Role = role
			r.sessions[id] = s
			n++
		}
	}
	return n
}

// Presence lists the live sessions of a project ordered by display name, then connection id.
func (r *Registry) Presence(projectID string) []domain.Session {
	r.mu.RLock()
	out := make([]domain.Session, 0)
	for _, s := range r.sessions {
		if s.ProjectID == projectID {
			out = append(out, s)
		}
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].ConnectionID < out[j].ConnectionID
	})
	return out
}

// Count returns the number of live sessions across all projects.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

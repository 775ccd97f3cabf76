// Package memory provides a process-local implementation of every repository.
// It backs STORAGE_DRIVER=memory and the engine tests; state is lost on restart.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Ahui-qn/2video/internal/domain"
	"github.com/Ahui-qn/2video/internal/repository"
)

type memberKey struct {
	projectID string
	userID    string
}

// Store keeps users, projects, memberships and audits in maps guarded by one mutex.
type Store struct {
	mu        sync.RWMutex
	users     map[string]domain.User
	emails    map[string]string
	projects  map[string]domain.Project
	snapshots map[string]domain.ProjectSnapshot
	members   map[memberKey]domain.Membership
	audits    []domain.AuditEntry
	nextAudit int64
	now       func() time.Time
}

var _ repository.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		users:     make(map[string]domain.User),
		emails:    make(map[string]string),
		projects:  make(map[string]domain.Project),
		snapshots: make(map[string]domain.ProjectSnapshot),
		members:   make(map[memberKey]domain.Membership),
		now:       time.Now,
	}
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() {}

// CreateUser inserts a user.
func (s *Store) CreateUser(_ context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	email := strings.ToLower(user.Email)
	if _, ok := s.users[user.ID]; ok {
		return repository.ErrConflict
	}
	if _, ok := s.emails[email]; ok {
		return repository.ErrConflict
	}
	s.users[user.ID] = *user
	s.emails[email] = user.ID
	return nil
}

// GetUserByEmail fetches a user by email.
func (s *Store) GetUserByEmail(_ context.Context, email string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.emails[strings.ToLower(email)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	u := s.users[id]
	return &u, nil
}

// GetUserByID retrieves a user by identifier.
func (s *Store) GetUserByID(_ context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &u, nil
}

// CreateProject inserts a project together with its initial snapshot.
func (s *Store) CreateProject(_ context.Context, project *domain.Project, snapshot *domain.ProjectSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[project.ID]; ok {
		return repository.ErrConflict
	}
	snap := domain.ProjectSnapshot{ProjectID: project.ID, UpdatedAt: project.CreatedAt}
	if snapshot != nil {
		snap.Document = clone(domain.NormalizeBlob(snapshot.Document))
		snap.Script = clone(domain.NormalizeBlob(snapshot.Script))
		if !snapshot.UpdatedAt.IsZero() {
			snap.UpdatedAt = snapshot.UpdatedAt
		}
	}
	s.projects[project.ID] = *project
	s.snapshots[project.ID] = snap
	return nil
}

// GetProjectByID fetches project details.
func (s *Store) GetProjectByID(_ context.Context, projectID string) (*domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[projectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &p, nil
}

// GetSnapshot loads the current document and script blobs of a project.
func (s *Store) GetSnapshot(_ context.Context, projectID string) (*domain.ProjectSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[projectID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	snap.Document = clone(snap.Document)
	snap.Script = clone(snap.Script)
	return &snap, nil
}

// UpdateSnapshot overwrites the blobs present in update.
func (s *Store) UpdateSnapshot(_ context.Context, update domain.SnapshotUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.snapshots[update.ProjectID]
	if !ok {
		return repository.ErrNotFound
	}
	if domain.BlobPresent(update.Document) {
		snap.Document = clone(update.Document)
	}
	if domain.BlobPresent(update.Script) {
		snap.Script = clone(update.Script)
	}
	snap.UpdatedAt = update.UpdatedAt
	s.snapshots[update.ProjectID] = snap
	return nil
}

// ListProjectsByUser returns projects the user holds a membership in, newest first.
func (s *Store) ListProjectsByUser(_ context.Context, userID string) ([]domain.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	projects := make([]domain.Project, 0)
	for key := range s.members {
		if key.userID != userID {
			continue
		}
		if p, ok := s.projects[key.projectID]; ok {
			projects = append(projects, p)
		}
	}
	sort.Slice(projects, func(i, j int) bool {
		return projects[i].CreatedAt.After(projects[j].CreatedAt)
	})
	return projects, nil
}

// GetMembership returns the membership for a (project, user) pair.
func (s *Store) GetMembership(_ context.Context, projectID, userID string) (*domain.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.members[memberKey{projectID, userID}]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &m, nil
}

// InsertMembership creates the membership unless the pair already exists.
func (s *Store) InsertMembership(_ context.Context, membership *domain.Membership) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[membership.ProjectID]; !ok {
		return false, repository.ErrNotFound
	}
	key := memberKey{membership.ProjectID, membership.UserID}
	if _, ok := s.members[key]; ok {
		return false, nil
	}
	s.members[key] = *membership
	return true, nil
}

// UpdateMembershipRole changes the role of an existing membership.
func (s *Store) UpdateMembershipRole(_ context.Context, projectID, userID string, role domain.Role) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := memberKey{projectID, userID}
	m, ok := s.members[key]
	if !ok {
		return repository.ErrNotFound
	}
	m.Role = role
	s.members[key] = m
	return nil
}

// ListMemberships returns every membership of a project ordered by join time.
func (s *Store) ListMemberships(_ context.Context, projectID string) ([]domain.Membership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	members := make([]domain.Membership, 0)
	for key, m := range s.members {
		if key.projectID == projectID {
			members = append(members, m)
		}
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].JoinedAt.Equal(members[j].JoinedAt) {
			return members[i].UserID < members[j].UserID
		}
		return members[i].JoinedAt.Before(members[j].JoinedAt)
	})
	return members, nil
}

// AppendAudit records an audit entry.
func (s *Store) AppendAudit(_ context.Context, entry *domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextAudit++
	entry.ID = s.nextAudit
	entry.CreatedAt = s.now().UTC()
	stored := *entry
	stored.Details = clone(entry.Details)
	s.audits = append(s.audits, stored)
	return nil
}

// ListAudits enumerates recent audit entries for a project, newest first.
func (s *Store) ListAudits(_ context.Context, projectID string, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.AuditEntry, 0)
	for i := len(s.audits) - 1; i >= 0 && len(out) < limit; i-- {
		if s.audits[i].ProjectID == projectID {
			out = append(out, s.audits[i])
		}
	}
	return out, nil
}

func clone(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	return append(json.RawMessage(nil), raw...)
}

package project

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/Ahui-qn/2video/internal/domain"
	"github.com/Ahui-qn/2video/internal/repository"
)

var (
	// ErrInvalidName is returned for blank project names.
	ErrInvalidName = errors.New("project name is required")
	// ErrForbidden is returned when the caller lacks the role an operation needs.
	ErrForbidden = errors.New("project access denied")
)

// Store is the persistence the project service needs.
type Store interface {
	repository.ProjectRepository
	repository.MembershipRepository
	repository.AuditRepository
}

// Service handles project workflows outside the realtime protocol.
type Service struct {
	repo   Store
	logger *slog.Logger
}

// New constructs a Service.
func New(repo Store, logger *slog.Logger) Service {
	return Service{repo: repo, logger: logger}
}

// View is the read model returned to members.
type View struct {
	Project  domain.Project
	Snapshot domain.ProjectSnapshot
	Role     domain.Role
}

// Create registers a project with its initial snapshot. The creator becomes admin.
func (s Service) Create(ctx context.Context, ownerID, name string, document, script json.RawMessage) (*domain.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}
	now := time.Now().UTC()
	project := &domain.Project{
		ID:        uuid.NewString(),
		Name:      name,
		OwnerID:   ownerID,
		CreatedAt: now,
	}
	snapshot := &domain.ProjectSnapshot{
		ProjectID: project.ID,
		Document:  domain.NormalizeBlob(document),
		Script:    domain.NormalizeBlob(script),
		UpdatedAt: now,
	}
	if err := s.repo.CreateProject(ctx, project, snapshot); err != nil {
		return nil, err
	}
	member := &domain.Membership{
		ProjectID: project.ID,
		UserID:    ownerID,
		Role:      domain.RoleAdmin,
		JoinedAt:  now,
	}
	if _, err := s.repo.InsertMembership(ctx, member); err != nil {
		return nil, err
	}
	details, _ := json.Marshal(map[string]string{"name": name})
	if err := s.repo.AppendAudit(ctx, &domain.AuditEntry{
		ProjectID: project.ID,
		UserID:    ownerID,
		Action:    domain.AuditProjectCreated,
		Details:   details,
	}); err != nil {
		s.logger.Warn("append audit failed", "project_id", project.ID, "error", err)
	}
	s.logger.Info("project created", "project_id", project.ID, "owner_id", ownerID)
	return project, nil
}

// List returns the projects the user is a member of.
func (s Service) List(ctx context.Context, userID string) ([]domain.Project, error) {
	return s.repo.ListProjectsByUser(ctx, userID)
}

// Get returns the project, its snapshot and the caller's role. Non-members get ErrForbidden.
func (s Service) Get(ctx context.Context, userID, projectID string) (*View, error) {
	role, err := s.roleOf(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	project, err := s.repo.GetProjectByID(ctx, projectID)
	if err != nil {
		return nil, err
	}
	snapshot, err := s.repo.GetSnapshot(ctx, projectID)
	if err != nil {
		return nil, err
	}
	return &View{Project: *project, Snapshot: *snapshot, Role: role}, nil
}

// Members lists the memberships of a project for any member.
func (s Service) Members(ctx context.Context, userID, projectID string) ([]domain.Membership, error) {
	if _, err := s.roleOf(ctx, userID, projectID); err != nil {
		return nil, err
	}
	return s.repo.ListMemberships(ctx, projectID)
}

// Audit lists recent audit entries. Only admins may read the trail.
func (s Service) Audit(ctx context.Context, userID, projectID string, limit int) ([]domain.AuditEntry, error) {
	role, err := s.roleOf(ctx, userID, projectID)
	if err != nil {
		return nil, err
	}
	if role != domain.RoleAdmin {
		return nil, ErrForbidden
	}
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	return s.repo.ListAudits(ctx, projectID, limit)
}

func (s Service) roleOf(ctx context.Context, userID, projectID string) (domain.Role, error) {
	if _, err := s.repo.GetProjectByID(ctx, projectID); err != nil {
		return "", err
	}
	m, err := s.repo.GetMembership(ctx, projectID, userID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return "", ErrForbidden
		}
		return "", err
	}
	return m.Role, nil
}

package repository

import (
	"context"

	"github.com/Ahui-qn/2video/internal/domain"
)

// UserRepository persists users.
type UserRepository interface {
	CreateUser(ctx context.Context, user *domain.User) error
	GetUserByEmail(ctx context.Context, email string) (*domain.User, error)
	GetUserByID(ctx context.Context, id string) (*domain.User, error)
}

// ProjectRepository persists projects and their document snapshot.
type ProjectRepository interface {
	CreateProject(ctx context.Context, project *domain.Project, snapshot *domain.ProjectSnapshot) error
	GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error)
	GetSnapshot(ctx context.Context, projectID string) (*domain.ProjectSnapshot, error)
	UpdateSnapshot(ctx context.Context, update domain.SnapshotUpdate) error
	ListProjectsByUser(ctx context.Context, userID string) ([]domain.Project, error)
}

// MembershipRepository manages project memberships.
type MembershipRepository interface {
	GetMembership(ctx context.Context, projectID, userID string) (*domain.Membership, error)
	// InsertMembership stores the membership unless one already exists and reports whether it created a row.
	InsertMembership(ctx context.Context, membership *domain.Membership) (bool, error)
	UpdateMembershipRole(ctx context.Context, projectID, userID string, role domain.Role) error
	ListMemberships(ctx context.Context, projectID string) ([]domain.Membership, error)
}

// AuditRepository appends and reads the audit trail.
type AuditRepository interface {
	AppendAudit(ctx context.Context, entry *domain.AuditEntry) error
	ListAudits(ctx context.Context, projectID string, limit int) ([]domain.AuditEntry, error)
}

// Store bundles every repository a storage driver provides.
type Store interface {
	UserRepository
	ProjectRepository
	MembershipRepository
	AuditRepository
	Ping(ctx context.Context) error
	Close()
}

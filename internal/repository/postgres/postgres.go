package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Ahui-qn/2video/internal/domain"
	"github.com/Ahui-qn/2video/internal/repository"
)

// Repository implements persistence interfaces on PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// New constructs a Repository.
func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// ensure Repository satisfies interfaces.
var (
	_ repository.UserRepository       = (*Repository)(nil)
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.MembershipRepository = (*Repository)(nil)
	_ repository.AuditRepository      = (*Repository)(nil)
	_ repository.Store                = (*Repository)(nil)
)

// Ping checks pool connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

// Close releases the pool.
func (r *Repository) Close() {
	r.pool.Close()
}

// CreateUser inserts a user.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (id, email, display_name, password_hash, created_at)
		VALUES ($1, $2, $3, $4, $5)`
	_, err := r.pool.Exec(ctx, query, user.ID, user.Email, user.DisplayName, user.PasswordHash, user.CreatedAt)
	return translate(err)
}

// GetUserByEmail fetches a user by email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	const query = `SELECT id, email, display_name, password_hash, created_at FROM users WHERE email = $1`
	return r.scanUser(r.pool.QueryRow(ctx, query, email))
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT id, email, display_name, password_hash, created_at FROM users WHERE id = $1`
	return r.scanUser(r.pool.QueryRow(ctx, query, id))
}

func (r *Repository) scanUser(row pgx.Row) (*domain.User, error) {
	var u domain.User
	if err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &u.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &u, nil
}

// CreateProject inserts a project together with its initial snapshot.
func (r *Repository) CreateProject(ctx context.Context, project *domain.Project, snapshot *domain.ProjectSnapshot) error {
	if project == nil {
		return fmt.Errorf("project required")
	}
	var document, script any
	updatedAt := project.CreatedAt
	if snapshot != nil {
		document = jsonParam(snapshot.Document)
		script = jsonParam(snapshot.Script)
		if !snapshot.UpdatedAt.IsZero() {
			updatedAt = snapshot.UpdatedAt
		}
	}
	const query = `INSERT INTO projects (id, name, owner_id, document, script, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	_, err := r.pool.Exec(ctx, query, project.ID, project.Name, project.OwnerID, document, script, project.CreatedAt, updatedAt)
	return translate(err)
}

// GetProjectByID fetches project details.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT id, name, owner_id, created_at FROM projects WHERE id = $1`
	var p domain.Project
	if err := r.pool.QueryRow(ctx, query, projectID).Scan(&p.ID, &p.Name, &p.OwnerID, &p.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	return &p, nil
}

// GetSnapshot loads the current document and script blobs of a project.
func (r *Repository) GetSnapshot(ctx context.Context, projectID string) (*domain.ProjectSnapshot, error) {
	const query = `SELECT id, document, script, updated_at FROM projects WHERE id = $1`
	var (
		snap     domain.ProjectSnapshot
		document []byte
		script   []byte
	)
	if err := r.pool.QueryRow(ctx, query, projectID).Scan(&snap.ProjectID, &document, &script, &snap.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	snap.Document = rawOrNil(document)
	snap.Script = rawOrNil(script)
	return &snap, nil
}

// UpdateSnapshot overwrites the blobs present in update; absent blobs keep their stored value.
func (r *Repository) UpdateSnapshot(ctx context.Context, update domain.SnapshotUpdate) error {
	const query = `UPDATE projects
		SET document = COALESCE($2::jsonb, document),
			script = COALESCE($3::jsonb, script),
			updated_at = $4
		WHERE id = $1`
	tag, err := r.pool.Exec(ctx, query,
		update.ProjectID,
		jsonParam(update.Document),
		jsonParam(update.Script),
		update.UpdatedAt,
	)
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListProjectsByUser returns projects the user holds a membership in.
func (r *Repository) ListProjectsByUser(ctx context.Context, userID string) ([]domain.Project, error) {
	const query = `SELECT p.id, p.name, p.owner_id, p.created_at
		FROM projects p
		INNER JOIN project_members pm ON pm.project_id = p.id
		WHERE pm.user_id = $1
		ORDER BY p.created_at DESC`
	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.OwnerID, &p.CreatedAt); err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// GetMembership returns the membership for a (project, user) pair.
func (r *Repository) GetMembership(ctx context.Context, projectID, userID string) (*domain.Membership, error) {
	const query = `SELECT project_id, user_id, role, joined_at FROM project_members
		WHERE project_id = $1 AND user_id = $2`
	var (
		m    domain.Membership
		role string
	)
	if err := r.pool.QueryRow(ctx, query, projectID, userID).Scan(&m.ProjectID, &m.UserID, &role, &m.JoinedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	m.Role = domain.Role(role)
	return &m, nil
}

// InsertMembership creates the membership unless the pair already exists.
func (r *Repository) InsertMembership(ctx context.Context, membership *domain.Membership) (bool, error) {
	if membership == nil {
		return false, fmt.Errorf("membership required")
	}
	const query = `INSERT INTO project_members (project_id, user_id, role, joined_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (project_id, user_id) DO NOTHING`
	tag, err := r.pool.Exec(ctx, query, membership.ProjectID, membership.UserID, string(membership.Role), membership.JoinedAt)
	if err != nil {
		return false, translate(err)
	}
	return tag.RowsAffected() == 1, nil
}

// UpdateMembershipRole changes the role of an existing membership.
func (r *Repository) UpdateMembershipRole(ctx context.Context, projectID, userID string, role domain.Role) error {
	const query = `UPDATE project_members SET role = $3 WHERE project_id = $1 AND user_id = $2`
	tag, err := r.pool.Exec(ctx, query, projectID, userID, string(role))
	if err != nil {
		return translate(err)
	}
	if tag.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListMemberships returns every membership of a project.
func (r *Repository) ListMemberships(ctx context.Context, projectID string) ([]domain.Membership, error) {
	const query = `SELECT project_id, user_id, role, joined_at FROM project_members
		WHERE project_id = $1 ORDER BY joined_at ASC, user_id ASC`
	rows, err := r.pool.Query(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := make([]domain.Membership, 0)
	for rows.Next() {
		var (
			m    domain.Membership
			role string
		)
		if err := rows.Scan(&m.ProjectID, &m.UserID, &role, &m.JoinedAt); err != nil {
			return nil, err
		}
		m.Role = domain.Role(role)
		members = append(members, m)
	}
	return members, rows.Err()
}

// AppendAudit records an audit entry.
func (r *Repository) AppendAudit(ctx context.Context, entry *domain.AuditEntry) error {
	if entry == nil {
		return fmt.Errorf("audit required")
	}
	const query = `INSERT INTO audit_entries (project_id, user_id, action, details, created_at)
		VALUES ($1, $2, $3, $4, NOW()) RETURNING id, created_at`
	var (
		id        int64
		createdAt time.Time
	)
	if err := r.pool.QueryRow(ctx, query,
		entry.ProjectID,
		entry.UserID,
		entry.Action,
		jsonParam(entry.Details),
	).Scan(&id, &createdAt); err != nil {
		return translate(err)
	}
	entry.ID = id
	entry.CreatedAt = createdAt
	return nil
}

// ListAudits enumerates recent audit entries for a project.
func (r *Repository) ListAudits(ctx context.Context, projectID string, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, project_id, user_id, action, details, created_at
		FROM audit_entries
		WHERE project_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`
	rows, err := r.pool.Query(ctx, query, strings.TrimSpace(projectID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	audits := make([]domain.AuditEntry, 0)
	for rows.Next() {
		var (
			entry   domain.AuditEntry
			details []byte
		)
		if err := rows.Scan(&entry.ID, &entry.ProjectID, &entry.UserID, &entry.Action, &details, &entry.CreatedAt); err != nil {
			return nil, err
		}
		entry.Details = rawOrNil(details)
		audits = append(audits, entry)
	}
	return audits, rows.Err()
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return repository.ErrConflict
		case "23503":
			return repository.ErrNotFound
		case "23514", "22P02":
			return repository.ErrInvalidArgument
		}
	}
	return err
}

func jsonParam(raw json.RawMessage) any {
	if !domain.BlobPresent(raw) {
		return nil
	}
	return string(raw)
}

func rawOrNil(data []byte) json.RawMessage {
	if len(data) == 0 {
		return nil
	}
	return json.RawMessage(data)
}

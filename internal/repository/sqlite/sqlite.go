// Package sqlite implements the repositories on an embedded SQLite database for
// single-node deployments and local development.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Ahui-qn/2video/internal/domain"
	"github.com/Ahui-qn/2video/internal/repository"
)

const timeLayout = time.RFC3339Nano

// Repository implements persistence interfaces on SQLite.
type Repository struct {
	db *sql.DB
}

var (
	_ repository.UserRepository       = (*Repository)(nil)
	_ repository.ProjectRepository    = (*Repository)(nil)
	_ repository.MembershipRepository = (*Repository)(nil)
	_ repository.AuditRepository      = (*Repository)(nil)
	_ repository.Store                = (*Repository)(nil)
)

// Open opens the database at path. Schema creation is left to the migration runner.
func Open(path string) (*Repository, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection keeps writers serialized and the pragmas below in effect.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	return &Repository{db: db}, nil
}

// DB exposes the underlying handle for the migration runner.
func (r *Repository) DB() *sql.DB {
	return r.db
}

// Ping checks database connectivity.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close releases the database handle.
func (r *Repository) Close() {
	_ = r.db.Close()
}

// CreateUser inserts a user.
func (r *Repository) CreateUser(ctx context.Context, user *domain.User) error {
	const query = `INSERT INTO users (id, email, display_name, password_hash, created_at) VALUES (?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query, user.ID, user.Email, user.DisplayName, user.PasswordHash, formatTime(user.CreatedAt))
	return translate(err)
}

// GetUserByEmail fetches a user by email.
func (r *Repository) GetUserByEmail(ctx context.Context, email string) (*domain.User, error) {
	const query = `SELECT id, email, display_name, password_hash, created_at FROM users WHERE email = ?`
	return scanUser(r.db.QueryRowContext(ctx, query, email))
}

// GetUserByID retrieves a user by identifier.
func (r *Repository) GetUserByID(ctx context.Context, id string) (*domain.User, error) {
	const query = `SELECT id, email, display_name, password_hash, created_at FROM users WHERE id = ?`
	return scanUser(r.db.QueryRowContext(ctx, query, id))
}

func scanUser(row *sql.Row) (*domain.User, error) {
	var (
		u       domain.User
		created string
	)
	if err := row.Scan(&u.ID, &u.Email, &u.DisplayName, &u.PasswordHash, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	u.CreatedAt = parseTime(created)
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
		document = textParam(snapshot.Document)
		script = textParam(snapshot.Script)
		if !snapshot.UpdatedAt.IsZero() {
			updatedAt = snapshot.UpdatedAt
		}
	}
	const query = `INSERT INTO projects (id, name, owner_id, document, script, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query, project.ID, project.Name, project.OwnerID, document, script,
		formatTime(project.CreatedAt), formatTime(updatedAt))
	return translate(err)
}

// GetProjectByID fetches project details.
func (r *Repository) GetProjectByID(ctx context.Context, projectID string) (*domain.Project, error) {
	const query = `SELECT id, name, owner_id, created_at FROM projects WHERE id = ?`
	var (
		p       domain.Project
		created string
	)
	if err := r.db.QueryRowContext(ctx, query, projectID).Scan(&p.ID, &p.Name, &p.OwnerID, &created); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	p.CreatedAt = parseTime(created)
	return &p, nil
}

// GetSnapshot loads the current document and script blobs of a project.
func (r *Repository) GetSnapshot(ctx context.Context, projectID string) (*domain.ProjectSnapshot, error) {
	const query = `SELECT id, document, script, updated_at FROM projects WHERE id = ?`
	var (
		snap     domain.ProjectSnapshot
		document sql.NullString
		script   sql.NullString
		updated  string
	)
	if err := r.db.QueryRowContext(ctx, query, projectID).Scan(&snap.ProjectID, &document, &script, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	snap.Document = nullableRaw(document)
	snap.Script = nullableRaw(script)
	snap.UpdatedAt = parseTime(updated)
	return &snap, nil
}

// UpdateSnapshot overwrites the blobs present in update; absent blobs keep their stored value.
func (r *Repository) UpdateSnapshot(ctx context.Context, update domain.SnapshotUpdate) error {
	const query = `UPDATE projects
		SET document = COALESCE(?, document),
			script = COALESCE(?, script),
			updated_at = ?
		WHERE id = ?`
	res, err := r.db.ExecContext(ctx, query,
		textParam(update.Document),
		textParam(update.Script),
		formatTime(update.UpdatedAt),
		update.ProjectID,
	)
	if err != nil {
		return translate(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListProjectsByUser returns projects the user holds a membership in.
func (r *Repository) ListProjectsByUser(ctx context.Context, userID string) ([]domain.Project, error) {
	const query = `SELECT p.id, p.name, p.owner_id, p.created_at
		FROM projects p
		INNER JOIN project_members pm ON pm.project_id = p.id
		WHERE pm.user_id = ?
		ORDER BY p.created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	projects := make([]domain.Project, 0)
	for rows.Next() {
		var (
			p       domain.Project
			created string
		)
		if err := rows.Scan(&p.ID, &p.Name, &p.OwnerID, &created); err != nil {
			return nil, err
		}
		p.CreatedAt = parseTime(created)
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// GetMembership returns the membership for a (project, user) pair.
func (r *Repository) GetMembership(ctx context.Context, projectID, userID string) (*domain.Membership, error) {
	const query = `SELECT project_id, user_id, role, joined_at FROM project_members WHERE project_id = ? AND user_id = ?`
	var (
		m      domain.Membership
		role   string
		joined string
	)
	if err := r.db.QueryRowContext(ctx, query, projectID, userID).Scan(&m.ProjectID, &m.UserID, &role, &joined); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, err
	}
	m.Role = domain.Role(role)
	m.JoinedAt = parseTime(joined)
	return &m, nil
}

// InsertMembership creates the membership unless the pair already exists.
func (r *Repository) InsertMembership(ctx context.Context, membership *domain.Membership) (bool, error) {
	if membership == nil {
		return false, fmt.Errorf("membership required")
	}
	const query = `INSERT INTO project_members (project_id, user_id, role, joined_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (project_id, user_id) DO NOTHING`
	res, err := r.db.ExecContext(ctx, query, membership.ProjectID, membership.UserID, string(membership.Role), formatTime(membership.JoinedAt))
	if err != nil {
		return false, translate(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

// UpdateMembershipRole changes the role of an existing membership.
func (r *Repository) UpdateMembershipRole(ctx context.Context, projectID, userID string, role domain.Role) error {
	const query = `UPDATE project_members SET role = ? WHERE project_id = ? AND user_id = ?`
	res, err := r.db.ExecContext(ctx, query, string(role), projectID, userID)
	if err != nil {
		return translate(err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ListMemberships returns every membership of a project.
func (r *Repository) ListMemberships(ctx context.Context, projectID string) ([]domain.Membership, error) {
	const query = `SELECT project_id, user_id, role, joined_at FROM project_members
		WHERE project_id = ? ORDER BY joined_at ASC, user_id ASC`
	rows, err := r.db.QueryContext(ctx, query, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	members := make([]domain.Membership, 0)
	for rows.Next() {
		var (
			m      domain.Membership
			role   string
			joined string
		)
		if err := rows.Scan(&m.ProjectID, &m.UserID, &role, &joined); err != nil {
			return nil, err
		}
		m.Role = domain.Role(role)
		m.JoinedAt = parseTime(joined)
		members = append(members, m)
	}
	return members, rows.Err()
}

// AppendAudit records an audit entry.
func (r *Repository) AppendAudit(ctx context.Context, entry *domain.AuditEntry) error {
	if entry == nil {
		return fmt.Errorf("audit required")
	}
	createdAt := time.Now().UTC()
	const query = `INSERT INTO audit_entries (project_id, user_id, action, details, created_at) VALUES (?, ?, ?, ?, ?)`
	res, err := r.db.ExecContext(ctx, query, entry.ProjectID, entry.UserID, entry.Action, textParam(entry.Details), formatTime(createdAt))
	if err != nil {
		return translate(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	entry.ID = id
	entry.CreatedAt = createdAt
	return nil
}

// ListAudits enumerates recent audit entries for a project, newest first.
func (r *Repository) ListAudits(ctx context.Context, projectID string, limit int) ([]domain.AuditEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `SELECT id, project_id, user_id, action, details, created_at
		FROM audit_entries WHERE project_id = ? ORDER BY id DESC LIMIT ?`
	rows, err := r.db.QueryContext(ctx, query, strings.TrimSpace(projectID), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	audits := make([]domain.AuditEntry, 0)
	for rows.Next() {
		var (
			entry   domain.AuditEntry
			details sql.NullString
			created string
		)
		if err := rows.Scan(&entry.ID, &entry.ProjectID, &entry.UserID, &entry.Action, &details, &created); err != nil {
			return nil, err
		}
		entry.Details = nullableRaw(details)
		entry.CreatedAt = parseTime(created)
		audits = append(audits, entry)
	}
	return audits, rows.Err()
}

func translate(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "UNIQUE constraint failed"):
		return repository.ErrConflict
	case strings.Contains(msg, "FOREIGN KEY constraint failed"):
		return repository.ErrNotFound
	case strings.Contains(msg, "CHECK constraint failed"):
		return repository.ErrInvalidArgument
	}
	return err
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(value string) time.Time {
	t, err := time.Parse(timeLayout, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

func textParam(raw json.RawMessage) any {
	if !domain.BlobPresent(raw) {
		return nil
	}
	return string(raw)
}

func nullableRaw(value sql.NullString) json.RawMessage {
	if !value.Valid || value.String == "" {
		return nil
	}
	return json.RawMessage(value.String)
}

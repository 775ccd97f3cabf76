package collab

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Ahui-qn/2video/internal/domain"
	"github.com/Ahui-qn/2video/internal/repository"
)

// Reason explains why a mutation was rejected.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonUnknownConnection Reason = "unknown_connection"
	ReasonInsufficientRole  Reason = "insufficient_role"
	ReasonNotAMember        Reason = "not_a_member"
	ReasonProjectMismatch   Reason = "project_mismatch"
)

// Decision is the outcome of an authorization check. Role is the authoritative
// role when the check reached the store.
type Decision struct {
	Allowed bool
	Reason  Reason
	Role    domain.Role
}

func allow(role domain.Role) Decision { return Decision{Allowed: true, Role: role} }

func deny(reason Reason) Decision { return Decision{Reason: reason} }

// Guard gates every state-mutating action. The session role is only a hint for
// fast-path rejection; the membership store has the final word.
type Guard struct {
	registry *Registry
	members  repository.MembershipRepository
	audits   repository.AuditRepository
	log      *slog.Logger
}

// NewGuard constructs a guard over the registry and stores.
func NewGuard(registry *Registry, members repository.MembershipRepository, audits repository.AuditRepository, log *slog.Logger) *Guard {
	if log == nil {
		log = slog.Default()
	}
	return &Guard{registry: registry, members: members, audits: audits, log: log}
}

// AuthorizeMutation checks whether the connection may mutate projectID. An empty
// projectID means the room the connection joined. Every rejection is audited
// once as unauthorized_update. The returned error is reserved for storage failures.
func (g *Guard) AuthorizeMutation(ctx context.Context, connectionID string, identity domain.Identity, projectID string) (Decision, *domain.Session, error) {
	session, ok := g.registry.Get(connectionID)
	if !ok {
		return g.reject(ctx, domain.AuditUnauthorizedUpdate, projectID, identity.UserID, deny(ReasonUnknownConnection)), nil, nil
	}
	if projectID == "" {
		projectID = session.ProjectID
	}
	if session.ProjectID != projectID {
		return g.reject(ctx, domain.AuditUnauthorizedUpdate, projectID, session.UserID, deny(ReasonProjectMismatch)), &session, nil
	}
	if !session.Role.CanEdit() {
		return g.reject(ctx, domain.AuditUnauthorizedUpdate, projectID, session.UserID, deny(ReasonInsufficientRole)), &session, nil
	}
	decision, err := g.authorizeStored(ctx, projectID, session.UserID, domain.Role.CanEdit)
	if err != nil {
		return Decision{}, &session, err
	}
	if !decision.Allowed {
		return g.reject(ctx, domain.AuditUnauthorizedUpdate, projectID, session.UserID, decision), &session, nil
	}
	return decision, &session, nil
}

// AuthorizeUser checks a user without a live session against the store. It
// serves callers such as the snapshot hand-off that are not websocket connections.
func (g *Guard) AuthorizeUser(ctx context.Context, projectID, userID string) (Decision, error) {
	decision, err := g.authorizeStored(ctx, projectID, userID, domain.Role.CanEdit)
	if err != nil {
		return Decision{}, err
	}
	if !decision.Allowed {
		return g.reject(ctx, domain.AuditUnauthorizedUpdate, projectID, userID, decision), nil
	}
	return decision, nil
}

// AuthorizeRoleChange requires admin both in the session cache and in the store.
// Rejections are audited as unauthorized_role_change.
func (g *Guard) AuthorizeRoleChange(ctx context.Context, connectionID string, identity domain.Identity, projectID string) (Decision, *domain.Session, error) {
	session, ok := g.registry.Get(connectionID)
	if !ok {
		return g.reject(ctx, domain.AuditUnauthorizedRoleChange, projectID, identity.UserID, deny(ReasonUnknownConnection)), nil, nil
	}
	if projectID == "" {
		projectID = session.ProjectID
	}
	if session.ProjectID != projectID {
		return g.reject(ctx, domain.AuditUnauthorizedRoleChange, projectID, session.UserID, deny(ReasonProjectMismatch)), &session, nil
	}
	if session.Role != domain.RoleAdmin {
		return g.reject(ctx, domain.AuditUnauthorizedRoleChange, projectID, session.UserID, deny(ReasonInsufficientRole)), &session, nil
	}
	isAdmin := func(r domain.Role) bool { return r == domain.RoleAdmin }
	decision, err := g.authorizeStored(ctx, projectID, session.UserID, isAdmin)
	if err != nil {
		return Decision{}, &session, err
	}
	if !decision.Allowed {
		return g.reject(ctx, domain.AuditUnauthorizedRoleChange, projectID, session.UserID, decision), &session, nil
	}
	return decision, &session, nil
}

func (g *Guard) authorizeStored(ctx context.Context, projectID, userID string, permitted func(domain.Role) bool) (Decision, error) {
	role, found, err := g.resolveEffectiveRole(ctx, projectID, userID)
	if err != nil {
		return Decision{}, err
	}
	if !found {
		return deny(ReasonNotAMember), nil
	}
	if !permitted(role) {
		d := deny(ReasonInsufficientRole)
		d.Role = role
		return d, nil
	}
	return allow(role), nil
}

// resolveEffectiveRole is the single authoritative role lookup.
func (g *Guard) resolveEffectiveRole(ctx context.Context, projectID, userID string) (domain.Role, bool, error) {
	m, err := g.members.GetMembership(ctx, projectID, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("resolve role: %w", err)
	}
	return m.Role, true, nil
}

func (g *Guard) reject(ctx context.Context, action, projectID, userID string, d Decision) Decision {
	g.log.Warn("mutation rejected",
		"action", action,
		"project_id", projectID,
		"user_id", userID,
		"reason", string(d.Reason),
	)
	details, _ := json.Marshal(map[string]string{"reason": string(d.Reason)})
	entry := &domain.AuditEntry{
		ProjectID: projectID,
		UserID:    userID,
		Action:    action,
		Details:   details,
	}
	if err := g.audits.AppendAudit(ctx, entry); err != nil {
		g.log.Error("append audit failed", "action", action, "project_id", projectID, "error", err)
	}
	return d
}

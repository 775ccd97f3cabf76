package domain

import (
	"fmt"
	"strings"
	"time"
)

// Role is the permission tier a user holds within a project.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// DefaultRole is granted to anyone arriving on a project without a membership.
const DefaultRole = RoleViewer

// ParseRole validates a role string.
func ParseRole(value string) (Role, error) {
	switch Role(strings.ToLower(strings.TrimSpace(value))) {
	case RoleAdmin:
		return RoleAdmin, nil
	case RoleEditor:
		return RoleEditor, nil
	case RoleViewer:
		return RoleViewer, nil
	default:
		return "", fmt.Errorf("invalid role %q", value)
	}
}

// CanEdit reports whether the role may mutate the project snapshot.
func (r Role) CanEdit() bool {
	return r == RoleAdmin || r == RoleEditor
}

// Membership links a user to a project with a role. It is the source of truth for authorization.
type Membership struct {
	ProjectID string
	UserID    string
	Role      Role
	JoinedAt  time.Time
}

// MembershipMap indexes memberships by user id.
func MembershipMap(members []Membership) map[string]Role {
	out := make(map[string]Role, len(members))
	for _, m := range members {
		out[m.UserID] = m.Role
	}
	return out
}

package domain

import (
	"encoding/json"
	"time"
)

// Audit actions written by the collaboration engine and project service.
const (
	AuditProjectCreated         = "project_created"
	AuditMemberJoined           = "member_joined"
	AuditUpdateRole             = "update_role"
	AuditUnauthorizedUpdate     = "unauthorized_update"
	AuditUnauthorizedRoleChange = "unauthorized_role_change"
)

// AuditEntry is an append-only record of a membership or authorization event.
type AuditEntry struct {
	ID        int64
	ProjectID string
	UserID    string
	Action    string
	Details   json.RawMessage
	CreatedAt time.Time
}

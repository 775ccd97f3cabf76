// Package protocol defines the realtime events exchanged between collaboration
// clients and the server. Every websocket frame is a JSON Envelope.
package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Client to server events.
const (
	EventJoinProject      = "join-project"
	EventLeaveProject     = "leave-project"
	EventProjectUpdate    = "project-update"
	EventUpdatePermission = "update-permission"
)

// Server to client events.
const (
	EventProjectState       = "project-state"
	EventProjectError       = "project-error"
	EventProjectUpdated     = "project-updated"
	EventPermissionsUpdated = "permissions-updated"
	EventRoomUsersUpdate    = "room-users-update"
)

// Error codes carried by project-error.
const (
	CodeProjectNotFound = "PROJECT_NOT_FOUND"
	CodeInvalidRequest  = "INVALID_REQUEST"
	CodeInternal        = "INTERNAL"
)

// Envelope wraps every frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode marshals data into an envelope frame.
func Encode(event string, data any) ([]byte, error) {
	env := Envelope{Event: event}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// Decode parses a frame into its envelope.
func Decode(frame []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Event == "" {
		return Envelope{}, fmt.Errorf("decode frame: missing event")
	}
	return env, nil
}

// DecodeData unmarshals the envelope payload into v.
func (e Envelope) DecodeData(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s: missing data", e.Event)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("%s: %w", e.Event, err)
	}
	return nil
}

// JoinProject asks the server to admit the connection to a project room.
type JoinProject struct {
	ProjectID string `json:"projectId"`
}

// LeaveProject removes the connection from its room without closing the socket.
type LeaveProject struct {
	ProjectID string `json:"projectId,omitempty"`
}

// ProjectUpdate carries a partial snapshot overwrite. Absent or null blobs are left untouched.
// ProjectID is optional; when set it must match the room the connection joined.
type ProjectUpdate struct {
	ProjectID    string          `json:"projectId,omitempty"`
	DocumentBlob json.RawMessage `json:"documentBlob,omitempty"`
	ScriptBlob   json.RawMessage `json:"scriptBlob,omitempty"`
}

// Empty reports whether neither blob carries a value.
func (u ProjectUpdate) Empty() bool {
	return !present(u.DocumentBlob) && !present(u.ScriptBlob)
}

// Normalized drops null blobs so they are omitted on the wire.
func (u ProjectUpdate) Normalized() ProjectUpdate {
	out := ProjectUpdate{ProjectID: u.ProjectID}
	if present(u.DocumentBlob) {
		out.DocumentBlob = u.DocumentBlob
	}
	if present(u.ScriptBlob) {
		out.ScriptBlob = u.ScriptBlob
	}
	return out
}

// UpdatePermission is an admin request to change a member's role.
type UpdatePermission struct {
	ProjectID    string `json:"projectId"`
	TargetUserID string `json:"targetUserId"`
	NewRole      string `json:"newRole"`
}

// Attribution identifies the author of an update.
type Attribution struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// ProjectUpdated is fanned out to the room after an accepted update.
type ProjectUpdated struct {
	ProjectID    string          `json:"projectId"`
	DocumentBlob json.RawMessage `json:"documentBlob,omitempty"`
	ScriptBlob   json.RawMessage `json:"scriptBlob,omitempty"`
	UpdatedBy    Attribution     `json:"updatedBy"`
}

// Update returns the payload portion of the event.
func (u ProjectUpdated) Update() ProjectUpdate {
	return ProjectUpdate{ProjectID: u.ProjectID, DocumentBlob: u.DocumentBlob, ScriptBlob: u.ScriptBlob}
}

// ProjectInfo describes the project a connection joined.
type ProjectInfo struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	OwnerID   string    `json:"ownerId"`
	CreatedAt time.Time `json:"createdAt"`
}

// Snapshot is the persisted document content delivered on join.
type Snapshot struct {
	DocumentBlob json.RawMessage `json:"documentBlob,omitempty"`
	ScriptBlob   json.RawMessage `json:"scriptBlob,omitempty"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Participant is one live connection in a room.
type Participant struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	DisplayName  string `json:"displayName"`
	Role         string `json:"role"`
}

// ProjectState is delivered to a connection once it has been admitted to a room.
type ProjectState struct {
	ProjectID   string            `json:"projectId"`
	UserID      string            `json:"userId"`
	Role        string            `json:"role"`
	Permissions map[string]string `json:"permissions"`
	Snapshot    Snapshot          `json:"snapshot"`
	Project     ProjectInfo       `json:"projectInfo"`
	Users       []Participant     `json:"users"`
}

// ProjectError reports a failed join or a malformed request.
type ProjectError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PermissionsUpdated carries the full membership map after a role change.
type PermissionsUpdated struct {
	ProjectID   string            `json:"projectId"`
	Permissions map[string]string `json:"permissions"`
}

// RoomUsers carries the presence list of a room.
type RoomUsers struct {
	ProjectID string        `json:"projectId"`
	Users     []Participant `json:"users"`
}

func present(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

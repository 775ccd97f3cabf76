package collab

import "errors"

var (
	// ErrProjectNotFound is returned when a join or publish targets a project that does not exist.
	ErrProjectNotFound = errors.New("collab: project not found")
	// ErrUnauthorized is returned to callers that are not the websocket sender, such as the snapshot hand-off.
	ErrUnauthorized = errors.New("collab: unauthorized")
	// ErrInvalidRole is returned when a role change names an unknown role.
	ErrInvalidRole = errors.New("collab: invalid role")
	// ErrInvalidRequest marks malformed frames and payloads.
	ErrInvalidRequest = errors.New("collab: invalid request")
	// ErrNotJoined is returned when an operation requires a joined room.
	ErrNotJoined = errors.New("collab: connection has not joined a project")
)

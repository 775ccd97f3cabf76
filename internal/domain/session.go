package domain

import "time"

// Session is the ephemeral state of one joined connection. Role is a read-through
// copy of the membership taken at join time and only serves as a fast-path hint.
type Session struct {
	ConnectionID string
	UserID       string
	DisplayName  string
	ProjectID    string
	Role         Role
	JoinedAt     time.Time
}

package domain

import "time"

// User represents a platform account.
type User struct {
	ID           string
	Email        string
	DisplayName  string
	PasswordHash []byte
	CreatedAt    time.Time
}

// Identity is the verified caller behind a connection or request.
type Identity struct {
	UserID      string
	DisplayName string
	Email       string
}

// IdentityOf projects a user onto the identity consumed by the collaboration engine.
func IdentityOf(u *User) Identity {
	if u == nil {
		return Identity{}
	}
	name := u.DisplayName
	if name == "" {
		name = u.Email
	}
	return Identity{UserID: u.ID, DisplayName: name, Email: u.Email}
}

package domain

import "time"

// Presence states reported by the service.
const (
	PresenceOffline = "offline"
	PresenceOnline  = "online"
)

// User is an immutable snapshot of a stored user.
//
// Identity follows the same rule as Message: only the ID matters for
// Equal and Key.
type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Presence  string    `json:"presence"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Equal reports whether u and other identify the same user.
func (u User) Equal(other User) bool {
	return u.ID == other.ID
}

// Key returns the identity key of the user.
func (u User) Key() string {
	return u.ID
}

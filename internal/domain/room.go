package domain

import "time"

// Room is an immutable snapshot of a stored room.
type Room struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	UserCount int       `json:"user_count"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Equal reports whether r and other identify the same room.
func (r Room) Equal(other Room) bool {
	return r.ID == other.ID
}

// Key returns the identity key of the room.
func (r Room) Key() string {
	return r.ID
}

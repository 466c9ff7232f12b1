package domain

import "time"

// Part content types.
const (
	PartText = "text/plain"
)

// Part is a single piece of message content.
type Part struct {
	Type    string `json:"type"`
	Content string `json:"content"`
}

// Message is an immutable snapshot of a stored message. Once created it
// stays valid even if the underlying record is later updated or deleted,
// so it is safe to hand to any observer.
//
// Identity: two snapshots with the same ID describe the same message
// regardless of their other fields. Use Equal, never ==, to compare.
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	Sender    User      `json:"sender"`
	Parts     []Part    `json:"parts"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Equal reports whether m and other identify the same message. Only the
// identifier participates; field differences between two snapshots of the
// same message do not make them unequal.
func (m Message) Equal(other Message) bool {
	return m.ID == other.ID
}

// Key returns the identity key of the message, suitable for map keying.
func (m Message) Key() string {
	return m.ID
}

// Text returns the concatenated content of all plain-text parts.
func (m Message) Text() string {
	var s string
	for _, p := range m.Parts {
		if p.Type == PartText {
			s += p.Content
		}
	}
	return s
}

package store

import (
	"errors"
	"time"

	"github.com/devaloi/chatkit/internal/domain"
)

// ErrNotFound is returned when a record does not exist, typically because
// it was deleted between a change notification and the read.
var ErrNotFound = errors.New("store: record not found")

// Op identifies the kind of mutation a Change describes.
type Op int

const (
	OpCreate Op = iota
	OpUpdate
	OpDelete
)

// Kind identifies the entity table a Change touches.
type Kind int

const (
	KindMessage Kind = iota
	KindUser
	KindRoom
	KindTyping
)

// Change describes a single committed mutation. For KindTyping, ID is the
// user identifier and RoomID the room whose typing membership changed.
type Change struct {
	Op     Op
	Kind   Kind
	ID     string
	RoomID string
}

// Batch is the set of changes committed by one transaction. Subscribers
// receive whole batches so a view never observes a half-applied write.
type Batch struct {
	Changes []Change
}

// MessageRecord is the persisted form of a message. Records are owned by
// the store; callers receive copies.
type MessageRecord struct {
	ID        string
	RoomID    string
	SenderID  string
	Parts     []domain.Part
	CreatedAt time.Time
	UpdatedAt time.Time
}

// UserRecord is the persisted form of a user.
type UserRecord struct {
	ID        string
	Name      string
	Presence  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// RoomRecord is the persisted form of a room.
type RoomRecord struct {
	ID        string
	Name      string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Tx stages mutations inside a transaction. Put operations create the
// record when absent and update it otherwise.
type Tx interface {
	PutMessage(m MessageRecord) error
	DeleteMessage(id string) error
	PutUser(u UserRecord) error
	DeleteUser(id string) error
	PutRoom(r RoomRecord) error
	// SetTyping adds or removes a user from a room's typing membership.
	// Setting an already-held state is a no-op and emits no change.
	SetTyping(roomID, userID string, typing bool) error
}

// Store is the on-device entity store. All writes go through Update and
// commit atomically; reads are consistent as of the last committed
// transaction. Change batches are delivered synchronously on the
// committing goroutine, after the commit, so a subscriber that reads back
// immediately sees the new state.
//
// Writes are expected to come from a single owning goroutine per consumer;
// the store itself only guarantees that individual calls are safe.
type Store interface {
	Update(fn func(Tx) error) error

	Message(id string) (MessageRecord, error)
	User(id string) (UserRecord, error)
	Room(id string) (RoomRecord, error)
	// MessagesInRoom returns the room's messages in insertion order.
	MessagesInRoom(roomID string) ([]MessageRecord, error)
	// TypingUserIDs returns the room's typing membership in insertion order.
	TypingUserIDs(roomID string) ([]string, error)

	// Subscribe registers a change-batch callback and returns a token for
	// Unsubscribe.
	Subscribe(fn func(Batch)) string
	Unsubscribe(token string)

	Close() error
}

package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/devaloi/chatkit/internal/domain"
)

// Event types delivered on the real-time feed.
const (
	EventMessageReceived   = "message_received"
	EventMessageUpdated    = "message_updated"
	EventMessageDeleted    = "message_deleted"
	EventUserStartedTyping = "user_started_typing"
	EventUserStoppedTyping = "user_stopped_typing"
	EventPresenceChanged   = "presence_changed"
)

// UserData is a user as carried by the wire protocol.
type UserData struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Presence  string    `json:"presence"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// MessageData is a message as carried by the wire protocol.
type MessageData struct {
	ID        string        `json:"id"`
	RoomID    string        `json:"room_id"`
	Sender    UserData      `json:"sender"`
	Parts     []domain.Part `json:"parts"`
	CreatedAt time.Time     `json:"created_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// Event is a single real-time feed notification. Message is set for the
// message event types, User for typing and presence events.
type Event struct {
	Type    string       `json:"type"`
	RoomID  string       `json:"room_id,omitempty"`
	Message *MessageData `json:"message,omitempty"`
	User    *UserData    `json:"user,omitempty"`
}

// Page is one result of a historical fetch. HasMore is false once the
// service holds nothing older than the returned messages.
type Page struct {
	Messages []MessageData `json:"messages"`
	HasMore  bool          `json:"has_more"`
}

// Status reports real-time feed connectivity transitions after the initial
// subscribe.
type Status int

const (
	StatusConnected Status = iota
	StatusDisconnected
)

// Subscription is a live per-room feed. Close stops delivery and abandons
// any pending reconnect.
type Subscription interface {
	// SendTyping signals the service that the local user started or
	// stopped typing in the subscribed room.
	SendTyping(typing bool) error
	Close() error
}

// Transport is the web-service collaborator: a push feed per room and
// cursor-driven historical fetches.
type Transport interface {
	// Subscribe establishes the room's real-time feed. onEvent is invoked
	// for every inbound event and onStatus for connectivity transitions;
	// both may be called from an arbitrary goroutine.
	Subscribe(roomID string, onEvent func(Event), onStatus func(Status)) (Subscription, error)
	// FetchPage retrieves up to limit messages older than beforeID.
	// An empty beforeID requests the newest messages.
	FetchPage(ctx context.Context, roomID, beforeID string, limit int) (Page, error)
}

// RequestError is a non-2xx response from the web service. Callers may
// retry; the SDK never escalates it.
type RequestError struct {
	StatusCode int
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("transport: request failed with status %d", e.StatusCode)
}

package domain

import (
	"testing"
	"time"
)

func TestMessageEqualUsesOnlyIdentifier(t *testing.T) {
	t.Parallel()
	first := Message{
		ID:        "10001",
		RoomID:    "general",
		Sender:    User{ID: "1", Name: "alice"},
		Parts:     []Part{{Type: PartText, Content: "hello"}},
		CreatedAt: time.Now(),
	}
	second := Message{
		ID:        "10001",
		RoomID:    "random",
		Sender:    User{ID: "2", Name: "bob"},
		Parts:     []Part{{Type: PartText, Content: "totally different"}},
		CreatedAt: time.Now().Add(time.Hour),
	}

	if !first.Equal(second) {
		t.Error("messages with the same ID should be equal")
	}
	if first.Key() != second.Key() {
		t.Error("messages with the same ID should share a key")
	}
}

func TestMessageEqualDistinguishesIdentifiers(t *testing.T) {
	t.Parallel()
	first := Message{ID: "10001", RoomID: "general", Parts: []Part{{Type: PartText, Content: "hi"}}}
	second := first
	second.ID = "10002"

	if first.Equal(second) {
		t.Error("messages with different IDs should not be equal")
	}
	if first.Key() == second.Key() {
		t.Error("messages with different IDs should not share a key")
	}
}

func TestMessageText(t *testing.T) {
	t.Parallel()
	m := Message{
		ID: "1",
		Parts: []Part{
			{Type: PartText, Content: "hello "},
			{Type: "image/png", Content: "ignored"},
			{Type: PartText, Content: "world"},
		},
	}
	if got := m.Text(); got != "hello world" {
		t.Errorf("expected %q, got %q", "hello world", got)
	}
}

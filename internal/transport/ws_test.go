package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devaloi/chatkit/internal/domain"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// feedServer is a websocket endpoint that pushes the given frames and
// records inbound ones.
func feedServer(t *testing.T, outbound []Event, inbound chan Event) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		for _, ev := range outbound {
			data, _ := json.Marshal(ev)
			conn.WriteMessage(websocket.TextMessage, data)
		}
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var ev Event
			if err := json.Unmarshal(data, &ev); err == nil && inbound != nil {
				inbound <- ev
			}
		}
	}))
}

func TestWSSubscribeDeliversEvents(t *testing.T) {
	t.Parallel()
	outbound := []Event{
		{
			Type:   EventMessageReceived,
			RoomID: "general",
			Message: &MessageData{
				ID:     "10001",
				RoomID: "general",
				Sender: UserData{ID: "1", Name: "alice"},
				Parts:  []domain.Part{{Type: domain.PartText, Content: "hello"}},
			},
		},
		{Type: EventUserStartedTyping, RoomID: "general", User: &UserData{ID: "2", Name: "bob"}},
	}
	srv := feedServer(t, outbound, nil)
	defer srv.Close()

	events := make(chan Event, 8)
	w := NewWS(srv.URL, "1")
	sub, err := w.Subscribe("general", func(ev Event) { events <- ev }, func(Status) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	for i, want := range outbound {
		select {
		case ev := <-events:
			if ev.Type != want.Type {
				t.Errorf("event %d: expected type %s, got %s", i, want.Type, ev.Type)
			}
			if ev.RoomID != "general" {
				t.Errorf("event %d: expected room general, got %s", i, ev.RoomID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestWSSendTyping(t *testing.T) {
	t.Parallel()
	inbound := make(chan Event, 8)
	srv := feedServer(t, nil, inbound)
	defer srv.Close()

	w := NewWS(srv.URL, "1")
	sub, err := w.Subscribe("general", func(Event) {}, func(Status) {})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	if err := sub.SendTyping(true); err != nil {
		t.Fatalf("send typing: %v", err)
	}
	select {
	case ev := <-inbound:
		if ev.Type != EventUserStartedTyping || ev.RoomID != "general" {
			t.Errorf("unexpected frame: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for typing frame")
	}

	if err := sub.SendTyping(false); err != nil {
		t.Fatalf("send typing: %v", err)
	}
	select {
	case ev := <-inbound:
		if ev.Type != EventUserStoppedTyping {
			t.Errorf("unexpected frame: %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for typing frame")
	}
}

func TestWSFetchPage(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/rooms/general/messages" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if r.URL.Query().Get("before") != "10005" || r.URL.Query().Get("limit") != "5" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		json.NewEncoder(w).Encode(Page{
			Messages: []MessageData{{ID: "10004", RoomID: "general"}},
			HasMore:  true,
		})
	}))
	defer srv.Close()

	w := NewWS(srv.URL, "1")
	page, err := w.FetchPage(context.Background(), "general", "10005", 5)
	if err != nil {
		t.Fatalf("fetch page: %v", err)
	}
	if len(page.Messages) != 1 || page.Messages[0].ID != "10004" {
		t.Errorf("unexpected page: %+v", page)
	}
	if !page.HasMore {
		t.Error("expected has_more")
	}
}

func TestWSFetchPageRequestError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	w := NewWS(srv.URL, "1")
	_, err := w.FetchPage(context.Background(), "general", "", 5)
	reqErr, ok := err.(*RequestError)
	if !ok {
		t.Fatalf("expected *RequestError, got %v", err)
	}
	if reqErr.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", reqErr.StatusCode)
	}
}

func TestWSReconnectReportsStatus(t *testing.T) {
	t.Parallel()
	statuses := make(chan Status, 8)
	var first = true
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		if first {
			first = false
			// Drop the initial connection to force a reconnect.
			conn.Close()
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	w := NewWS(srv.URL, "1")
	sub, err := w.Subscribe("general", func(Event) {}, func(s Status) { statuses <- s })
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer sub.Close()

	want := []Status{StatusDisconnected, StatusConnected}
	for i, expected := range want {
		select {
		case s := <-statuses:
			if s != expected {
				t.Errorf("status %d: expected %v, got %v", i, expected, s)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for status %d", i)
		}
	}
}

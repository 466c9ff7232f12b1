package integration

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/devaloi/chatkit/internal/domain"
	"github.com/devaloi/chatkit/internal/provider"
	"github.com/devaloi/chatkit/internal/store"
	"github.com/devaloi/chatkit/internal/testutil"
	"github.com/devaloi/chatkit/internal/transport"
	"github.com/devaloi/chatkit/internal/view"
)

// chatServer is a minimal stand-in for the hosted chat service: a
// websocket feed endpoint plus a paged history endpoint.
type chatServer struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	history []transport.MessageData
	conns   []*websocket.Conn
}

func newChatServer() *chatServer {
	s := &chatServer{
		upgrader: websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }},
	}
	now := time.Now().UTC().Truncate(time.Second)
	for id := 10001; id <= 10020; id++ {
		s.history = append(s.history, transport.MessageData{
			ID:        fmt.Sprint(id),
			RoomID:    "general",
			Sender:    transport.UserData{ID: "1", Name: "alice", Presence: domain.PresenceOnline},
			Parts:     []domain.Part{{Type: domain.PartText, Content: fmt.Sprintf("message %d", id)}},
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	return s
}

func (s *chatServer) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/rooms/general/messages", s.handleMessages)
	return mux
}

func (s *chatServer) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *chatServer) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 10
	}
	before := r.URL.Query().Get("before")

	s.mu.Lock()
	var eligible []transport.MessageData
	for _, m := range s.history {
		if before != "" {
			id, _ := strconv.Atoi(m.ID)
			cut, _ := strconv.Atoi(before)
			if id >= cut {
				continue
			}
		}
		eligible = append(eligible, m)
	}
	s.mu.Unlock()

	start := len(eligible) - limit
	if start < 0 {
		start = 0
	}
	page := transport.Page{
		Messages: eligible[start:],
		HasMore:  start > 0,
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(page)
}

// push broadcasts a feed event to all connected clients.
func (s *chatServer) push(t *testing.T, ev transport.Event) {
	t.Helper()
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, conn := range s.conns {
		conn.WriteMessage(websocket.TextMessage, data)
	}
}

func waitFor(t *testing.T, msg string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

// TestRoomLifecycle runs the full client path: SQLite store, websocket
// feed, HTTP paging, and the per-room provider on top.
func TestRoomLifecycle(t *testing.T) {
	cs := newChatServer()
	srv := httptest.NewServer(cs.handler())
	defer srv.Close()

	st, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer st.Close()

	tr := transport.NewWS(srv.URL, "1")
	room, err := provider.NewRoom("general", st, tr, provider.Options{InitialPageSize: 10})
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	defer room.Close()

	if room.PagedState() != domain.PagedInitializing {
		t.Fatalf("expected paged initializing, got %v", room.PagedState())
	}

	obs := &testutil.RecordingObserver{}
	room.AddObserver(obs)

	// First observer brings the feed online and backfills the newest page.
	waitFor(t, "initial backfill", func() bool { return room.NumberOfMessages() == 10 })
	if room.RealTimeState() != domain.RealTimeOnline {
		t.Errorf("expected online, got %v", room.RealTimeState())
	}
	if room.PagedState() != domain.PagedPartiallyPopulated {
		t.Errorf("expected partiallyPopulated, got %v", room.PagedState())
	}
	msgs := room.Messages()
	if msgs[0].ID != "10011" || msgs[9].ID != "10020" {
		t.Errorf("expected newest ten messages, got %s..%s", msgs[0].ID, msgs[9].ID)
	}

	// Paging backwards prepends older messages in one coalesced range.
	done := make(chan error, 1)
	room.FetchOlderMessages(5, func(err error) { done <- err })
	if err := <-done; err != nil {
		t.Fatalf("fetch older: %v", err)
	}
	if room.NumberOfMessages() != 15 {
		t.Errorf("expected 15 messages, got %d", room.NumberOfMessages())
	}
	inserts, _, _, _, _ := obs.Snapshot()
	if len(inserts) != 2 || inserts[1] != (view.Range{Start: 0, End: 5}) {
		t.Errorf("expected prepend range [0,5), got %v", inserts)
	}

	// A live message lands at the tail.
	cs.push(t, transport.Event{
		Type:   transport.EventMessageReceived,
		RoomID: "general",
		Message: &transport.MessageData{
			ID:     "10021",
			RoomID: "general",
			Sender: transport.UserData{ID: "2", Name: "bob"},
			Parts:  []domain.Part{{Type: domain.PartText, Content: "live"}},
		},
	})
	waitFor(t, "live message", func() bool { return room.NumberOfMessages() == 16 })
	if m, ok := room.Message(15); !ok || m.Sender.Name != "bob" {
		t.Errorf("expected live message from bob at the tail")
	}

	// Typing membership flows through the store into callbacks.
	cs.push(t, transport.Event{
		Type:   transport.EventUserStartedTyping,
		RoomID: "general",
		User:   &transport.UserData{ID: "2", Name: "bob"},
	})
	waitFor(t, "typing start", func() bool { return len(room.TypingUsers()) == 1 })

	cs.push(t, transport.Event{
		Type:   transport.EventUserStoppedTyping,
		RoomID: "general",
		User:   &transport.UserData{ID: "2", Name: "bob"},
	})
	waitFor(t, "typing stop", func() bool { return len(room.TypingUsers()) == 0 })

	_, _, _, started, stopped := obs.Snapshot()
	if len(started) != 1 || len(stopped) != 1 {
		t.Errorf("expected one start and one stop callback, got %d/%d", len(started), len(stopped))
	}
}

// TestRoomPersistenceAcrossSessions verifies that a second provider over
// the same database resumes from the cached view without refetching.
func TestRoomPersistenceAcrossSessions(t *testing.T) {
	cs := newChatServer()
	srv := httptest.NewServer(cs.handler())
	defer srv.Close()

	dbPath := t.TempDir() + "/chatkit.db"
	st, err := store.NewSQLite(dbPath)
	if err != nil {
		t.Fatalf("store: %v", err)
	}

	tr := transport.NewWS(srv.URL, "1")
	room, err := provider.NewRoom("general", st, tr, provider.Options{InitialPageSize: 10})
	if err != nil {
		t.Fatalf("provider: %v", err)
	}
	room.AddObserver(&testutil.RecordingObserver{})
	waitFor(t, "initial backfill", func() bool { return room.NumberOfMessages() == 10 })
	room.Close()
	st.Close()

	st2, err := store.NewSQLite(dbPath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer st2.Close()

	room2, err := provider.NewRoom("general", st2, tr, provider.Options{InitialPageSize: 10})
	if err != nil {
		t.Fatalf("second provider: %v", err)
	}
	defer room2.Close()

	if room2.NumberOfMessages() != 10 {
		t.Errorf("expected warm cache of 10 messages, got %d", room2.NumberOfMessages())
	}
	if room2.PagedState() != domain.PagedPartiallyPopulated {
		t.Errorf("expected partiallyPopulated from cache, got %v", room2.PagedState())
	}
}

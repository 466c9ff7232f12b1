package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 65536

	// Pause between reconnect attempts after the feed drops.
	redialWait = time.Second
)

// WS talks to the hosted chat service: real-time feeds over WebSocket and
// historical pages over HTTP.
type WS struct {
	baseURL string
	userID  string
	client  *http.Client
	dialer  *websocket.Dialer
}

// NewWS creates a transport for the service at baseURL (http:// or
// https://), authenticating as userID.
func NewWS(baseURL, userID string) *WS {
	return &WS{
		baseURL: strings.TrimRight(baseURL, "/"),
		userID:  userID,
		client:  &http.Client{Timeout: 30 * time.Second},
		dialer:  websocket.DefaultDialer,
	}
}

// Subscribe dials the room's feed endpoint and starts the read pump. The
// subscription reconnects on its own after a drop, reporting the outage
// through onStatus.
func (w *WS) Subscribe(roomID string, onEvent func(Event), onStatus func(Status)) (Subscription, error) {
	wsURL := "ws" + strings.TrimPrefix(w.baseURL, "http") +
		"/ws?room=" + url.QueryEscape(roomID) + "&user=" + url.QueryEscape(w.userID)

	sub := &wsSubscription{
		url:      wsURL,
		roomID:   roomID,
		dialer:   w.dialer,
		onEvent:  onEvent,
		onStatus: onStatus,
		send:     make(chan []byte, 64),
		closed:   make(chan struct{}),
	}
	conn, _, err := sub.dialer.Dial(sub.url, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", wsURL, err)
	}
	go sub.run(conn)
	return sub, nil
}

// FetchPage retrieves up to limit messages older than beforeID over HTTP.
func (w *WS) FetchPage(ctx context.Context, roomID, beforeID string, limit int) (Page, error) {
	u := fmt.Sprintf("%s/api/rooms/%s/messages?limit=%d", w.baseURL, url.PathEscape(roomID), limit)
	if beforeID != "" {
		u += "&before=" + url.QueryEscape(beforeID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Page{}, err
	}
	resp, err := w.client.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("transport: fetch page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Page{}, &RequestError{StatusCode: resp.StatusCode}
	}

	var page Page
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return Page{}, fmt.Errorf("transport: decode page: %w", err)
	}
	return page, nil
}

// wsSubscription owns one room feed connection and its reconnect loop.
type wsSubscription struct {
	url      string
	roomID   string
	dialer   *websocket.Dialer
	onEvent  func(Event)
	onStatus func(Status)

	send   chan []byte
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	conn *websocket.Conn
}

// SendTyping queues a typing signal for the subscribed room.
func (s *wsSubscription) SendTyping(typing bool) error {
	eventType := EventUserStoppedTyping
	if typing {
		eventType = EventUserStartedTyping
	}
	data, err := json.Marshal(Event{Type: eventType, RoomID: s.roomID})
	if err != nil {
		return err
	}
	select {
	case <-s.closed:
		return fmt.Errorf("transport: subscription closed")
	case s.send <- data:
		return nil
	default:
		// Send buffer full; typing signals are best-effort.
		log.Printf("transport: room %s: send buffer full, dropping typing signal", s.roomID)
		return nil
	}
}

// Close tears the feed down. Pending reconnects are abandoned.
func (s *wsSubscription) Close() error {
	s.once.Do(func() {
		close(s.closed)
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
	return nil
}

func (s *wsSubscription) run(conn *websocket.Conn) {
	for {
		s.setConn(conn)
		stop := make(chan struct{})
		go s.writePump(conn, stop)
		s.readPump(conn)
		close(stop)
		conn.Close()

		select {
		case <-s.closed:
			return
		default:
		}
		s.onStatus(StatusDisconnected)

		conn = s.redial()
		if conn == nil {
			return
		}
		s.onStatus(StatusConnected)
	}
}

func (s *wsSubscription) setConn(conn *websocket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *wsSubscription) redial() *websocket.Conn {
	for {
		select {
		case <-s.closed:
			return nil
		case <-time.After(redialWait):
		}
		conn, _, err := s.dialer.Dial(s.url, nil)
		if err != nil {
			log.Printf("transport: room %s: redial: %v", s.roomID, err)
			continue
		}
		return conn
	}
}

// readPump reads feed frames until the connection fails.
func (s *wsSubscription) readPump(conn *websocket.Conn) {
	conn.SetReadLimit(maxMessageSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				select {
				case <-s.closed:
				default:
					log.Printf("transport: room %s: read error: %v", s.roomID, err)
				}
			}
			return
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			log.Printf("transport: room %s: bad frame: %v", s.roomID, err)
			continue
		}
		if ev.RoomID == "" {
			ev.RoomID = s.roomID
		}
		s.onEvent(ev)
	}
}

// writePump writes queued frames and keepalive pings until the connection
// is replaced or the subscription closes.
func (s *wsSubscription) writePump(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-stop:
			return
		case <-s.closed:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

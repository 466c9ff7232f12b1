package testutil

import (
	"context"
	"errors"
	"sync"

	"github.com/devaloi/chatkit/internal/domain"
	"github.com/devaloi/chatkit/internal/transport"
	"github.com/devaloi/chatkit/internal/view"
)

// FakeSubscription records typing signals sent through a FakeTransport feed.
type FakeSubscription struct {
	mu      sync.Mutex
	typing  []bool
	closed  bool
	onEvent func(transport.Event)
	onStat  func(transport.Status)
}

// SendTyping records the signal.
func (s *FakeSubscription) SendTyping(typing bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("testutil: subscription closed")
	}
	s.typing = append(s.typing, typing)
	return nil
}

// Close marks the subscription closed.
func (s *FakeSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *FakeSubscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// TypingSignals returns the recorded typing signals.
func (s *FakeSubscription) TypingSignals() []bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]bool, len(s.typing))
	copy(out, s.typing)
	return out
}

// FakeTransport implements transport.Transport for tests. Events and
// statuses are injected with Emit and EmitStatus; pages are served by
// PageFunc.
type FakeTransport struct {
	mu        sync.Mutex
	subs      []*FakeSubscription
	pageCalls int

	// SubscribeErr, when set, fails the next Subscribe call.
	SubscribeErr error
	// PageFunc serves FetchPage. It may block to hold a fetch in flight.
	PageFunc func(roomID, beforeID string, limit int) (transport.Page, error)
}

// Subscribe registers a fake feed for the room.
func (f *FakeTransport) Subscribe(roomID string, onEvent func(transport.Event), onStatus func(transport.Status)) (transport.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.SubscribeErr != nil {
		err := f.SubscribeErr
		f.SubscribeErr = nil
		return nil, err
	}
	sub := &FakeSubscription{onEvent: onEvent, onStat: onStatus}
	f.subs = append(f.subs, sub)
	return sub, nil
}

// FetchPage serves the scripted page.
func (f *FakeTransport) FetchPage(ctx context.Context, roomID, beforeID string, limit int) (transport.Page, error) {
	f.mu.Lock()
	f.pageCalls++
	fn := f.PageFunc
	f.mu.Unlock()
	if fn == nil {
		return transport.Page{}, nil
	}
	return fn(roomID, beforeID, limit)
}

// Emit delivers an event on the most recent live feed.
func (f *FakeTransport) Emit(ev transport.Event) {
	if sub := f.lastSub(); sub != nil {
		sub.onEvent(ev)
	}
}

// EmitStatus delivers a connectivity transition on the most recent live feed.
func (f *FakeTransport) EmitStatus(s transport.Status) {
	if sub := f.lastSub(); sub != nil {
		sub.onStat(s)
	}
}

// SubscribeCount returns how many feeds were established.
func (f *FakeTransport) SubscribeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// PageCalls returns how many page fetches reached the transport.
func (f *FakeTransport) PageCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pageCalls
}

// LastSubscription returns the most recent feed, or nil.
func (f *FakeTransport) LastSubscription() *FakeSubscription {
	return f.lastSub()
}

func (f *FakeTransport) lastSub() *FakeSubscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.subs) == 0 {
		return nil
	}
	return f.subs[len(f.subs)-1]
}

// RecordingObserver captures room observer callbacks for assertions.
type RecordingObserver struct {
	mu            sync.Mutex
	Inserts       []view.Range
	Updates       []int
	Removes       []int
	TypingStarted []domain.User
	TypingStopped []domain.User
}

func (r *RecordingObserver) DidReceiveMessages(rng view.Range) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Inserts = append(r.Inserts, rng)
}

func (r *RecordingObserver) DidUpdateMessage(index int, previous domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Updates = append(r.Updates, index)
}

func (r *RecordingObserver) DidRemoveMessage(index int, previous domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Removes = append(r.Removes, index)
}

func (r *RecordingObserver) UserDidStartTyping(u domain.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.TypingStarted = append(r.TypingStarted, u)
}

func (r *RecordingObserver) UserDidStopTyping(u domain.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.TypingStopped = append(r.TypingStopped, u)
}

// Snapshot returns copies of the recorded callbacks.
func (r *RecordingObserver) Snapshot() (inserts []view.Range, updates, removes []int, started, stopped []domain.User) {
	r.mu.Lock()
	defer r.mu.Unlock()
	inserts = append(inserts, r.Inserts...)
	updates = append(updates, r.Updates...)
	removes = append(removes, r.Removes...)
	started = append(started, r.TypingStarted...)
	stopped = append(stopped, r.TypingStopped...)
	return
}

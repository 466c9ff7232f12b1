package provider

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/devaloi/chatkit/internal/domain"
	"github.com/devaloi/chatkit/internal/store"
	"github.com/devaloi/chatkit/internal/transport"
	"github.com/devaloi/chatkit/internal/view"
)

var (
	// ErrNotEligible is reported when an operation is requested while the
	// paged state machine forbids it: a fetch is already in flight, or no
	// cursor is obtainable. The state is left unchanged.
	ErrNotEligible = errors.New("provider: operation not eligible in current state")

	// ErrClosed is reported for operations on a closed provider.
	ErrClosed = errors.New("provider: closed")

	// errEntityGone marks a snapshot of a record deleted between a change
	// notification and its consumption. Swallowed at the projection layer.
	errEntityGone = errors.New("provider: entity gone")
)

const (
	defaultInitialPageSize = 10
	defaultTypingInterval  = 3 * time.Second
	resubscribeWait        = time.Second
)

// RoomObserver receives change notifications for one room. Callbacks are
// delivered synchronously on the provider's owning goroutine and must
// return promptly; calling back into the provider's mutating operations
// from inside a callback is not supported.
type RoomObserver interface {
	// DidReceiveMessages reports a contiguous range of newly inserted
	// messages at their post-insert indices.
	DidReceiveMessages(r view.Range)
	DidUpdateMessage(index int, previous domain.Message)
	DidRemoveMessage(index int, previous domain.Message)
	UserDidStartTyping(user domain.User)
	UserDidStopTyping(user domain.User)
}

// Options tune a room provider. Zero values select defaults.
type Options struct {
	// InitialPageSize is the size of the backfill fetched when the feed
	// first comes online and the local cache is empty.
	InitialPageSize int
	// TypingInterval is the minimum spacing between outbound typing-start
	// signals.
	TypingInterval time.Duration
}

// Room maintains the local, incrementally updated views of a single room:
// its messages and its currently typing users. Views are backed by the
// entity store, kept in sync by the room's real-time feed and by explicit
// historical fetches.
//
// All store mutations run on a single owning goroutine; reads may come
// from any goroutine and observe the view as of the most recently
// delivered notification.
type Room struct {
	roomID string
	st     store.Store
	tr     transport.Transport

	mu            sync.RWMutex
	messages      *view.Collection[store.MessageRecord]
	typing        *view.Collection[store.UserRecord]
	realTimeState domain.RealTimeState
	pagedState    domain.PagedState
	observers     []observerEntry
	pending       []func(RoomObserver)
	sub           transport.Subscription
	closed        bool

	// typingIDs mirrors the room's raw typing membership so user-record
	// changes can be scoped to users the typing view actually depends on.
	typingIDs map[string]bool

	events    chan transport.Event
	statusc   chan transport.Status
	subc      chan subscribeResult
	pagec     chan pageResult
	feedc     chan bool
	backfillc chan struct{}
	quit      chan struct{}
	done      chan struct{}

	closeOnce   sync.Once
	storeToken  string
	wantFeed    bool
	subscribing bool

	typingLimiter   *rate.Limiter
	initialPageSize int
}

type observerEntry struct {
	token uuid.UUID
	obs   RoomObserver
}

// NewRoom creates the provider for one room. The real-time feed is not
// started until the first observer registers.
func NewRoom(roomID string, st store.Store, tr transport.Transport, opts Options) (*Room, error) {
	if opts.InitialPageSize <= 0 {
		opts.InitialPageSize = defaultInitialPageSize
	}
	if opts.TypingInterval <= 0 {
		opts.TypingInterval = defaultTypingInterval
	}

	p := &Room{
		roomID:          roomID,
		st:              st,
		tr:              tr,
		realTimeState:   domain.RealTimeInitializing,
		pagedState:      domain.PagedInitializing,
		typingIDs:       make(map[string]bool),
		events:          make(chan transport.Event, 256),
		statusc:         make(chan transport.Status, 16),
		subc:            make(chan subscribeResult, 1),
		pagec:           make(chan pageResult, 4),
		feedc:           make(chan bool, 8),
		backfillc:       make(chan struct{}, 1),
		quit:            make(chan struct{}),
		done:            make(chan struct{}),
		typingLimiter:   rate.NewLimiter(rate.Every(opts.TypingInterval), 1),
		initialPageSize: opts.InitialPageSize,
	}

	p.messages = view.New(
		func() ([]store.MessageRecord, error) { return st.MessagesInRoom(roomID) },
		func(m store.MessageRecord) string { return m.ID },
		func(a, b store.MessageRecord) int { return view.NumericIDCompare(a.ID, b.ID) },
	)
	p.typing = view.New(
		p.queryTypingUsers,
		func(u store.UserRecord) string { return u.ID },
		func(a, b store.UserRecord) int { return view.NumericIDCompare(a.ID, b.ID) },
	)
	p.messages.SetDelegate(messagesDelegate{p})
	p.typing.SetDelegate(typingDelegate{p})

	if err := p.messages.Reload(); err != nil {
		return nil, err
	}
	if err := p.typing.Reload(); err != nil {
		return nil, err
	}
	ids, err := st.TypingUserIDs(roomID)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		p.typingIDs[id] = true
	}
	// A warm local cache means pages were fetched in an earlier session.
	if p.messages.Count() > 0 {
		p.pagedState = domain.PagedPartiallyPopulated
	}

	p.storeToken = st.Subscribe(p.onStoreBatch)
	go p.run()
	return p, nil
}

// RoomID returns the identifier of the room this provider maintains.
func (p *Room) RoomID() string {
	return p.roomID
}

// RealTimeState returns the current state of the real-time feed machine.
func (p *Room) RealTimeState() domain.RealTimeState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.realTimeState
}

// PagedState returns the current state of the historical paging machine.
func (p *Room) PagedState() domain.PagedState {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pagedState
}

// NumberOfMessages returns the number of messages in the local view.
func (p *Room) NumberOfMessages() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.messages.Count()
}

// Messages returns a point-in-time snapshot of the room's messages, oldest
// first. Messages whose sender was concurrently deleted are skipped.
func (p *Room) Messages() []domain.Message {
	p.mu.RLock()
	defer p.mu.RUnlock()
	recs := p.messages.AllObjects()
	out := make([]domain.Message, 0, len(recs))
	for _, rec := range recs {
		if m, err := p.snapshotMessage(rec); err == nil {
			out = append(out, m)
		}
	}
	return out
}

// Message returns a snapshot of the message at the given index, or false
// when the index is out of bounds or the entity is gone.
func (p *Room) Message(index int) (domain.Message, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	rec, ok := p.messages.ObjectAt(index)
	if !ok {
		return domain.Message{}, false
	}
	m, err := p.snapshotMessage(rec)
	if err != nil {
		return domain.Message{}, false
	}
	return m, true
}

// TypingUsers returns a point-in-time snapshot of the users currently
// typing in the room.
func (p *Room) TypingUsers() []domain.User {
	p.mu.RLock()
	defer p.mu.RUnlock()
	recs := p.typing.AllObjects()
	out := make([]domain.User, 0, len(recs))
	for _, rec := range recs {
		out = append(out, snapshotUser(rec))
	}
	return out
}

// AddObserver registers an observer and returns its removal token. The
// first observer starts the room's real-time feed.
func (p *Room) AddObserver(o RoomObserver) uuid.UUID {
	p.mu.Lock()
	token := uuid.New()
	p.observers = append(p.observers, observerEntry{token: token, obs: o})
	first := len(p.observers) == 1
	closed := p.closed
	p.mu.Unlock()

	if first && !closed {
		p.requestFeed(true)
	}
	return token
}

// RemoveObserver unregisters the observer identified by token. The last
// removal stops the feed.
func (p *Room) RemoveObserver(token uuid.UUID) {
	p.mu.Lock()
	before := len(p.observers)
	p.observers = slices.DeleteFunc(p.observers, func(e observerEntry) bool { return e.token == token })
	last := before > 0 && len(p.observers) == 0
	closed := p.closed
	p.mu.Unlock()

	if last && !closed {
		p.requestFeed(false)
	}
}

// StartTyping signals the service that the local user began typing.
// Signals are throttled; elided ones are not an error.
func (p *Room) StartTyping() error {
	p.mu.RLock()
	sub := p.sub
	p.mu.RUnlock()
	if sub == nil {
		return ErrNotEligible
	}
	if !p.typingLimiter.Allow() {
		return nil
	}
	return sub.SendTyping(true)
}

// StopTyping signals the service that the local user stopped typing.
func (p *Room) StopTyping() error {
	p.mu.RLock()
	sub := p.sub
	p.mu.RUnlock()
	if sub == nil {
		return ErrNotEligible
	}
	return sub.SendTyping(false)
}

// FetchOlderMessages asks the service for up to count messages older than
// the oldest one in the local view. The call is eligible only while the
// paged state is partiallyPopulated and the view is non-empty; otherwise
// completion fires immediately with ErrNotEligible and nothing changes.
// At most one fetch is in flight per provider.
//
// completion fires after the results are durably stored and the local view
// reflects them: reading Message(0) from inside the callback observes the
// newly inserted items. On a network error the paged state reverts so the
// call can be retried.
func (p *Room) FetchOlderMessages(count int, completion func(error)) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		complete(completion, ErrClosed)
		return
	}
	oldest, ok := p.messages.ObjectAt(0)
	if p.pagedState != domain.PagedPartiallyPopulated || !ok || count <= 0 {
		p.mu.Unlock()
		complete(completion, ErrNotEligible)
		return
	}
	p.pagedState = domain.PagedFetching
	p.mu.Unlock()

	p.beginFetch(count, oldest.ID, domain.PagedPartiallyPopulated, completion)
}

// Close tears the provider down: the feed subscription stops, the store
// subscription is removed, and results of any in-flight fetch are
// discarded without being applied.
func (p *Room) Close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		sub := p.sub
		p.sub = nil
		p.observers = nil
		p.mu.Unlock()

		close(p.quit)
		<-p.done
		if sub != nil {
			sub.Close()
		}
		p.st.Unsubscribe(p.storeToken)
	})
}

func (p *Room) requestFeed(want bool) {
	select {
	case p.feedc <- want:
	case <-p.quit:
	}
}

func complete(fn func(error), err error) {
	if fn != nil {
		fn(err)
	}
}

func (p *Room) queryTypingUsers() ([]store.UserRecord, error) {
	ids, err := p.st.TypingUserIDs(p.roomID)
	if err != nil {
		return nil, err
	}
	recs := make([]store.UserRecord, 0, len(ids))
	for _, id := range ids {
		rec, err := p.st.User(id)
		if errors.Is(err, store.ErrNotFound) {
			// Membership referencing a not-yet-stored user; it will surface
			// once the user record lands.
			continue
		}
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

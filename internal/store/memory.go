package store

import (
	"errors"
	"slices"
	"sync"
)

// Memory is an in-process Store used by tests and ephemeral sessions that
// do not need the on-device database.
type Memory struct {
	mu             sync.RWMutex
	messages       map[string]MessageRecord
	messagesByRoom map[string][]string
	users          map[string]UserRecord
	rooms          map[string]RoomRecord
	typing         map[string][]string

	subs subscribers
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		messages:       make(map[string]MessageRecord),
		messagesByRoom: make(map[string][]string),
		users:          make(map[string]UserRecord),
		rooms:          make(map[string]RoomRecord),
		typing:         make(map[string][]string),
	}
}

// memTx stages validated mutations; they are applied in order at commit.
// Staged appliers cannot fail, which keeps commit all-or-nothing.
type memTx struct {
	ops []func(m *Memory, changes *[]Change)
}

func (t *memTx) PutMessage(rec MessageRecord) error {
	if rec.ID == "" || rec.RoomID == "" {
		return errors.New("store: message requires id and room id")
	}
	rec.Parts = slices.Clone(rec.Parts)
	t.ops = append(t.ops, func(m *Memory, changes *[]Change) {
		op := OpCreate
		if _, ok := m.messages[rec.ID]; ok {
			op = OpUpdate
		} else {
			m.messagesByRoom[rec.RoomID] = append(m.messagesByRoom[rec.RoomID], rec.ID)
		}
		m.messages[rec.ID] = rec
		*changes = append(*changes, Change{Op: op, Kind: KindMessage, ID: rec.ID, RoomID: rec.RoomID})
	})
	return nil
}

func (t *memTx) DeleteMessage(id string) error {
	if id == "" {
		return errors.New("store: message id required")
	}
	t.ops = append(t.ops, func(m *Memory, changes *[]Change) {
		rec, ok := m.messages[id]
		if !ok {
			return
		}
		delete(m.messages, id)
		m.messagesByRoom[rec.RoomID] = deleteString(m.messagesByRoom[rec.RoomID], id)
		*changes = append(*changes, Change{Op: OpDelete, Kind: KindMessage, ID: id, RoomID: rec.RoomID})
	})
	return nil
}

func (t *memTx) PutUser(rec UserRecord) error {
	if rec.ID == "" {
		return errors.New("store: user id required")
	}
	t.ops = append(t.ops, func(m *Memory, changes *[]Change) {
		op := OpCreate
		if _, ok := m.users[rec.ID]; ok {
			op = OpUpdate
		}
		m.users[rec.ID] = rec
		*changes = append(*changes, Change{Op: op, Kind: KindUser, ID: rec.ID})
	})
	return nil
}

func (t *memTx) DeleteUser(id string) error {
	if id == "" {
		return errors.New("store: user id required")
	}
	t.ops = append(t.ops, func(m *Memory, changes *[]Change) {
		if _, ok := m.users[id]; !ok {
			return
		}
		delete(m.users, id)
		for room, ids := range m.typing {
			if slices.Contains(ids, id) {
				m.typing[room] = deleteString(ids, id)
				*changes = append(*changes, Change{Op: OpDelete, Kind: KindTyping, ID: id, RoomID: room})
			}
		}
		*changes = append(*changes, Change{Op: OpDelete, Kind: KindUser, ID: id})
	})
	return nil
}

func (t *memTx) PutRoom(rec RoomRecord) error {
	if rec.ID == "" {
		return errors.New("store: room id required")
	}
	t.ops = append(t.ops, func(m *Memory, changes *[]Change) {
		op := OpCreate
		if _, ok := m.rooms[rec.ID]; ok {
			op = OpUpdate
		}
		m.rooms[rec.ID] = rec
		*changes = append(*changes, Change{Op: op, Kind: KindRoom, ID: rec.ID})
	})
	return nil
}

func (t *memTx) SetTyping(roomID, userID string, typing bool) error {
	if roomID == "" || userID == "" {
		return errors.New("store: typing requires room id and user id")
	}
	t.ops = append(t.ops, func(m *Memory, changes *[]Change) {
		ids := m.typing[roomID]
		has := slices.Contains(ids, userID)
		switch {
		case typing && !has:
			m.typing[roomID] = append(ids, userID)
			*changes = append(*changes, Change{Op: OpCreate, Kind: KindTyping, ID: userID, RoomID: roomID})
		case !typing && has:
			m.typing[roomID] = deleteString(ids, userID)
			*changes = append(*changes, Change{Op: OpDelete, Kind: KindTyping, ID: userID, RoomID: roomID})
		}
	})
	return nil
}

// Update runs fn against a staged transaction and applies it atomically.
// The change batch is delivered to subscribers on the calling goroutine
// after the state is visible.
func (m *Memory) Update(fn func(Tx) error) error {
	tx := &memTx{}
	if err := fn(tx); err != nil {
		return err
	}

	var changes []Change
	m.mu.Lock()
	for _, op := range tx.ops {
		op(m, &changes)
	}
	m.mu.Unlock()

	if len(changes) > 0 {
		m.subs.publish(Batch{Changes: changes})
	}
	return nil
}

// Message returns a copy of the message record with the given id.
func (m *Memory) Message(id string) (MessageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.messages[id]
	if !ok {
		return MessageRecord{}, ErrNotFound
	}
	rec.Parts = slices.Clone(rec.Parts)
	return rec, nil
}

// User returns a copy of the user record with the given id.
func (m *Memory) User(id string) (UserRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.users[id]
	if !ok {
		return UserRecord{}, ErrNotFound
	}
	return rec, nil
}

// Room returns a copy of the room record with the given id.
func (m *Memory) Room(id string) (RoomRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.rooms[id]
	if !ok {
		return RoomRecord{}, ErrNotFound
	}
	return rec, nil
}

// MessagesInRoom returns the room's messages in insertion order.
func (m *Memory) MessagesInRoom(roomID string) ([]MessageRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.messagesByRoom[roomID]
	recs := make([]MessageRecord, 0, len(ids))
	for _, id := range ids {
		rec := m.messages[id]
		rec.Parts = slices.Clone(rec.Parts)
		recs = append(recs, rec)
	}
	return recs, nil
}

// TypingUserIDs returns the room's typing membership in insertion order.
func (m *Memory) TypingUserIDs(roomID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.typing[roomID]), nil
}

// Subscribe registers a change-batch callback.
func (m *Memory) Subscribe(fn func(Batch)) string {
	return m.subs.add(fn)
}

// Unsubscribe removes a previously registered callback.
func (m *Memory) Unsubscribe(token string) {
	m.subs.remove(token)
}

// Close releases nothing; it exists to satisfy Store.
func (m *Memory) Close() error { return nil }

func deleteString(s []string, v string) []string {
	return slices.DeleteFunc(s, func(e string) bool { return e == v })
}

package provider

import (
	"errors"
	"fmt"
	"slices"

	"github.com/devaloi/chatkit/internal/domain"
	"github.com/devaloi/chatkit/internal/store"
	"github.com/devaloi/chatkit/internal/transport"
	"github.com/devaloi/chatkit/internal/view"
)

// snapshotMessage projects a stored message record into an immutable
// snapshot, resolving the sender link. It fails with errEntityGone when
// the sender was deleted between the change notification and this read;
// callers skip such messages rather than propagating the error.
func (p *Room) snapshotMessage(rec store.MessageRecord) (domain.Message, error) {
	sender, err := p.st.User(rec.SenderID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Message{}, fmt.Errorf("%w: sender %s of message %s", errEntityGone, rec.SenderID, rec.ID)
	}
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		ID:        rec.ID,
		RoomID:    rec.RoomID,
		Sender:    snapshotUser(sender),
		Parts:     slices.Clone(rec.Parts),
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}, nil
}

// snapshotUser projects a stored user record into an immutable snapshot.
func snapshotUser(rec store.UserRecord) domain.User {
	return domain.User{
		ID:        rec.ID,
		Name:      rec.Name,
		Presence:  rec.Presence,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
}

func messageRecord(d transport.MessageData) store.MessageRecord {
	return store.MessageRecord{
		ID:        d.ID,
		RoomID:    d.RoomID,
		SenderID:  d.Sender.ID,
		Parts:     slices.Clone(d.Parts),
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

func userRecord(d transport.UserData) store.UserRecord {
	presence := d.Presence
	if presence == "" {
		presence = domain.PresenceOffline
	}
	return store.UserRecord{
		ID:        d.ID,
		Name:      d.Name,
		Presence:  presence,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

// messagesDelegate stages room-level message notifications while the
// message view applies a diff. The provider holds its write lock at that
// point; staged notifications are dispatched after it is released.
type messagesDelegate struct {
	p *Room
}

func (d messagesDelegate) DidInsert(r view.Range) {
	d.p.pending = append(d.p.pending, func(o RoomObserver) {
		o.DidReceiveMessages(r)
	})
}

func (d messagesDelegate) DidUpdate(index int, previous store.MessageRecord) {
	prev, err := d.p.snapshotMessage(previous)
	if err != nil {
		return
	}
	d.p.pending = append(d.p.pending, func(o RoomObserver) {
		o.DidUpdateMessage(index, prev)
	})
}

func (d messagesDelegate) DidDelete(index int, previous store.MessageRecord) {
	prev, err := d.p.snapshotMessage(previous)
	if err != nil {
		return
	}
	d.p.pending = append(d.p.pending, func(o RoomObserver) {
		o.DidRemoveMessage(index, prev)
	})
}

// typingDelegate translates typing view diffs into start/stop callbacks.
type typingDelegate struct {
	p *Room
}

func (d typingDelegate) DidInsert(r view.Range) {
	for i := r.Start; i < r.End; i++ {
		rec, ok := d.p.typing.ObjectAt(i)
		if !ok {
			continue
		}
		user := snapshotUser(rec)
		d.p.pending = append(d.p.pending, func(o RoomObserver) {
			o.UserDidStartTyping(user)
		})
	}
}

// A typing user's record changing in place is not a membership change.
func (d typingDelegate) DidUpdate(index int, previous store.UserRecord) {}

func (d typingDelegate) DidDelete(index int, previous store.UserRecord) {
	user := snapshotUser(previous)
	d.p.pending = append(d.p.pending, func(o RoomObserver) {
		o.UserDidStopTyping(user)
	})
}

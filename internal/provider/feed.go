package provider

import (
	"context"
	"log"
	"time"

	"github.com/devaloi/chatkit/internal/domain"
	"github.com/devaloi/chatkit/internal/store"
	"github.com/devaloi/chatkit/internal/transport"
)

type subscribeResult struct {
	sub transport.Subscription
	err error
}

type pageResult struct {
	page       transport.Page
	err        error
	revert     domain.PagedState
	completion func(error)
}

// run is the provider's owning goroutine: every store mutation for the
// room happens here, so writes are serialized and change batches fan out
// back onto this goroutine.
func (p *Room) run() {
	defer close(p.done)
	for {
		select {
		case ev := <-p.events:
			p.handleEvent(ev)
		case s := <-p.statusc:
			p.handleStatus(s)
		case res := <-p.subc:
			p.handleSubscribed(res)
		case res := <-p.pagec:
			p.handlePage(res)
		case <-p.backfillc:
			p.maybeBackfill()
		case want := <-p.feedc:
			p.wantFeed = want
			if want {
				p.ensureFeed()
			} else {
				p.teardownFeed()
			}
		case <-p.quit:
			return
		}
	}
}

func (p *Room) ensureFeed() {
	p.mu.RLock()
	running := p.sub != nil
	p.mu.RUnlock()
	if running || p.subscribing {
		return
	}
	p.subscribing = true
	go func() {
		sub, err := p.tr.Subscribe(p.roomID, p.deliverEvent, p.deliverStatus)
		select {
		case p.subc <- subscribeResult{sub: sub, err: err}:
		case <-p.quit:
			if sub != nil {
				sub.Close()
			}
		}
	}()
}

func (p *Room) teardownFeed() {
	p.mu.Lock()
	sub := p.sub
	p.sub = nil
	p.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

func (p *Room) deliverEvent(ev transport.Event) {
	select {
	case p.events <- ev:
	case <-p.quit:
	}
}

func (p *Room) deliverStatus(s transport.Status) {
	select {
	case p.statusc <- s:
	case <-p.quit:
	}
}

func (p *Room) handleSubscribed(res subscribeResult) {
	p.subscribing = false
	if res.err != nil {
		log.Printf("provider: room %s: subscribe: %v", p.roomID, res.err)
		p.mu.Lock()
		p.realTimeState = domain.RealTimeDegraded
		p.mu.Unlock()
		if p.wantFeed {
			p.retryFeedLater()
		}
		return
	}
	if !p.wantFeed {
		// The last observer left while the dial was in flight.
		res.sub.Close()
		return
	}

	p.mu.Lock()
	p.sub = res.sub
	p.realTimeState = domain.RealTimeOnline
	p.mu.Unlock()

	p.maybeBackfill()
}

// maybeBackfill starts the initial history fetch when the feed is live and
// no page has landed yet. Safe to call repeatedly; the paged machine guards
// re-entry.
func (p *Room) maybeBackfill() {
	if !p.wantFeed {
		return
	}
	p.mu.Lock()
	eligible := p.pagedState == domain.PagedInitializing && p.sub != nil
	if eligible {
		p.pagedState = domain.PagedFetching
	}
	p.mu.Unlock()
	if eligible {
		p.beginFetch(p.initialPageSize, "", domain.PagedInitializing, nil)
	}
}

func (p *Room) retryBackfillLater() {
	go func() {
		select {
		case <-time.After(resubscribeWait):
		case <-p.quit:
			return
		}
		select {
		case p.backfillc <- struct{}{}:
		case <-p.quit:
		}
	}()
}

func (p *Room) retryFeedLater() {
	go func() {
		select {
		case <-time.After(resubscribeWait):
			p.requestFeed(true)
		case <-p.quit:
		}
	}()
}

func (p *Room) handleStatus(s transport.Status) {
	p.mu.Lock()
	switch s {
	case transport.StatusDisconnected:
		if p.realTimeState == domain.RealTimeOnline {
			p.realTimeState = domain.RealTimeDegraded
		}
	case transport.StatusConnected:
		if p.realTimeState == domain.RealTimeDegraded {
			p.realTimeState = domain.RealTimeOnline
		}
	}
	p.mu.Unlock()
}

// handleEvent writes the store mutation for one inbound feed event. Each
// event commits in a single transaction so views never observe a message
// without its sender.
func (p *Room) handleEvent(ev transport.Event) {
	var err error
	switch ev.Type {
	case transport.EventMessageReceived, transport.EventMessageUpdated:
		if ev.Message == nil {
			return
		}
		msg := *ev.Message
		err = p.st.Update(func(tx store.Tx) error {
			if err := tx.PutUser(userRecord(msg.Sender)); err != nil {
				return err
			}
			return tx.PutMessage(messageRecord(msg))
		})
	case transport.EventMessageDeleted:
		if ev.Message == nil {
			return
		}
		id := ev.Message.ID
		err = p.st.Update(func(tx store.Tx) error {
			return tx.DeleteMessage(id)
		})
	case transport.EventUserStartedTyping:
		if ev.User == nil {
			return
		}
		user := *ev.User
		err = p.st.Update(func(tx store.Tx) error {
			if err := tx.PutUser(userRecord(user)); err != nil {
				return err
			}
			return tx.SetTyping(p.roomID, user.ID, true)
		})
	case transport.EventUserStoppedTyping:
		if ev.User == nil {
			return
		}
		userID := ev.User.ID
		err = p.st.Update(func(tx store.Tx) error {
			return tx.SetTyping(p.roomID, userID, false)
		})
	case transport.EventPresenceChanged:
		if ev.User == nil {
			return
		}
		user := *ev.User
		err = p.st.Update(func(tx store.Tx) error {
			return tx.PutUser(userRecord(user))
		})
	default:
		log.Printf("provider: room %s: unknown event type %q", p.roomID, ev.Type)
	}
	if err != nil {
		log.Printf("provider: room %s: apply %s: %v", p.roomID, ev.Type, err)
	}
}

// beginFetch runs the page request off the owning goroutine and marshals
// the result back onto it. The caller has already moved the paged machine
// to fetching; revert names the state restored on failure.
func (p *Room) beginFetch(count int, beforeID string, revert domain.PagedState, completion func(error)) {
	go func() {
		page, err := p.tr.FetchPage(context.Background(), p.roomID, beforeID, count)
		select {
		case p.pagec <- pageResult{page: page, err: err, revert: revert, completion: completion}:
		case <-p.quit:
			// Torn down mid-fetch; the result is discarded.
		}
	}()
}

func (p *Room) handlePage(res pageResult) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		// Teardown has begun; the result is discarded without being applied.
		return
	}

	if res.err == nil {
		res.err = p.applyPage(res.page)
	}

	p.mu.Lock()
	switch {
	case res.err != nil:
		p.pagedState = res.revert
	case res.page.HasMore:
		p.pagedState = domain.PagedPartiallyPopulated
	default:
		p.pagedState = domain.PagedFullyPopulated
	}
	p.mu.Unlock()

	// A failed initial backfill has no caller to retry it, so the provider
	// retries on its own once the resubscribe interval passes.
	if res.err != nil && res.revert == domain.PagedInitializing {
		log.Printf("provider: room %s: initial backfill: %v", p.roomID, res.err)
		p.retryBackfillLater()
	}

	complete(res.completion, res.err)
}

// applyPage commits a fetched page in one transaction. The store fans the
// change batch out synchronously, so the views are current before the
// fetch completion fires.
func (p *Room) applyPage(page transport.Page) error {
	if len(page.Messages) == 0 {
		return nil
	}
	return p.st.Update(func(tx store.Tx) error {
		for _, msg := range page.Messages {
			if err := tx.PutUser(userRecord(msg.Sender)); err != nil {
				return err
			}
			if err := tx.PutMessage(messageRecord(msg)); err != nil {
				return err
			}
		}
		return nil
	})
}

// onStoreBatch is the store's change notification. It runs on the
// committing goroutine. View diffs are computed under the write lock while
// delegate callbacks stage observer notifications; the staged
// notifications are dispatched after the lock is released so observers can
// read the provider from inside their callbacks.
func (p *Room) onStoreBatch(b store.Batch) {
	var msgChanged, typingChanged bool
	msgUpdated := make(map[string]bool)
	var usersChanged []string
	for _, c := range b.Changes {
		switch c.Kind {
		case store.KindMessage:
			if c.RoomID == p.roomID {
				msgChanged = true
				if c.Op == store.OpUpdate {
					msgUpdated[c.ID] = true
				}
			}
		case store.KindTyping:
			if c.RoomID == p.roomID {
				typingChanged = true
			}
		case store.KindUser:
			usersChanged = append(usersChanged, c.ID)
		}
	}
	if !msgChanged && !typingChanged && len(usersChanged) == 0 {
		return
	}

	p.mu.Lock()
	for _, c := range b.Changes {
		if c.Kind != store.KindTyping || c.RoomID != p.roomID {
			continue
		}
		if c.Op == store.OpDelete {
			delete(p.typingIDs, c.ID)
		} else {
			p.typingIDs[c.ID] = true
		}
	}
	if !typingChanged {
		// User records back the typing view, but only members of this
		// room's typing set matter; a membership entry whose user record
		// just landed becomes visible on this requery.
		for _, id := range usersChanged {
			if p.typingIDs[id] {
				typingChanged = true
				break
			}
		}
	}
	if !msgChanged && !typingChanged {
		p.mu.Unlock()
		return
	}
	if msgChanged {
		if err := p.messages.Apply(msgUpdated); err != nil {
			log.Printf("provider: room %s: refresh messages: %v", p.roomID, err)
		}
	}
	if typingChanged {
		if err := p.typing.Apply(nil); err != nil {
			log.Printf("provider: room %s: refresh typing: %v", p.roomID, err)
		}
	}
	pending := p.pending
	p.pending = nil
	observers := make([]RoomObserver, len(p.observers))
	for i, e := range p.observers {
		observers[i] = e.obs
	}
	p.mu.Unlock()

	for _, notify := range pending {
		for _, o := range observers {
			notify(o)
		}
	}
}

package store

import (
	"slices"
	"sync"

	"github.com/google/uuid"
)

// subscribers is the change-batch fan-out shared by store implementations.
// Callbacks are invoked synchronously, in registration order, on the
// committing goroutine.
type subscribers struct {
	mu   sync.Mutex
	subs []subscriberEntry
}

type subscriberEntry struct {
	token string
	fn    func(Batch)
}

func (s *subscribers) add(fn func(Batch)) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	token := uuid.NewString()
	s.subs = append(s.subs, subscriberEntry{token: token, fn: fn})
	return token
}

func (s *subscribers) remove(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = slices.DeleteFunc(s.subs, func(e subscriberEntry) bool { return e.token == token })
}

func (s *subscribers) publish(b Batch) {
	s.mu.Lock()
	subs := slices.Clone(s.subs)
	s.mu.Unlock()
	for _, e := range subs {
		e.fn(b)
	}
}

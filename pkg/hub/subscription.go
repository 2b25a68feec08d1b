package hub

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
)

// Handler receives the arguments of one pushed event.
type Handler func(args []json.RawMessage)

type handlerEntry struct {
	id uint64
	fn Handler
}

// Subscription fans pushed arguments for one event out to its handlers.
type Subscription struct {
	event string

	mu       sync.Mutex
	nextID   uint64
	handlers []handlerEntry
}

func newSubscription(event string) *Subscription {
	return &Subscription{event: event}
}

// Event returns the event name the subscription was created with.
func (s *Subscription) Event() string { return s.event }

// On appends h. Handlers are additive; the returned func removes this
// registration only and may be called more than once.
func (s *Subscription) On(h Handler) (remove func()) {
	if h == nil {
		return func() {}
	}
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.handlers = append(s.handlers, handlerEntry{id: id, fn: h})
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { s.remove(id) })
	}
}

func (s *Subscription) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.handlers {
		if e.id == id {
			// copy-on-write: OnData may be iterating the old slice
			next := make([]handlerEntry, 0, len(s.handlers)-1)
			next = append(next, s.handlers[:i]...)
			next = append(next, s.handlers[i+1:]...)
			s.handlers = next
			return
		}
	}
}

// Len returns the number of registered handlers.
func (s *Subscription) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handlers)
}

// OnData calls every handler registered at call time, in registration order,
// on the calling goroutine.
func (s *Subscription) OnData(args []json.RawMessage) {
	s.mu.Lock()
	handlers := s.handlers
	s.mu.Unlock()
	for _, e := range handlers {
		e.fn(args)
	}
}

// DecodeArgs unmarshals positional event arguments into targets. Surplus
// arguments are ignored.
func DecodeArgs(args []json.RawMessage, targets ...any) error {
	if len(args) < len(targets) {
		return errors.Errorf("expected at least %d arguments, got %d", len(targets), len(args))
	}
	for i, t := range targets {
		if err := json.Unmarshal(args[i], t); err != nil {
			return errors.Wrapf(err, "decode argument %d", i)
		}
	}
	return nil
}

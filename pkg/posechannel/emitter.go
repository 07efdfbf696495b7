package posechannel

import (
	"sync"
)

// Subscription is a disposable registration. Unsubscribe is idempotent.
type Subscription interface {
	Unsubscribe()
}

type funcSubscription struct {
	once sync.Once
	fn   func()
}

func (s *funcSubscription) Unsubscribe() {
	s.once.Do(s.fn)
}

// NewSubscription returns a Subscription that calls fn the first time it is
// unsubscribed.
func NewSubscription(fn func()) Subscription {
	return &funcSubscription{fn: fn}
}

type handlerEntry struct {
	id      uint64
	handler EventHandler
}

// Emitter keeps per-event handler lists for Transport implementations.
// The zero value is ready to use.
type Emitter struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]handlerEntry
}

// On registers handler for the named event.
func (e *Emitter) On(event string, handler EventHandler) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handlers == nil {
		e.handlers = make(map[string][]handlerEntry)
	}

	e.nextID++
	id := e.nextID
	e.handlers[event] = append(e.handlers[event], handlerEntry{id: id, handler: handler})

	return NewSubscription(func() {
		e.remove(event, id)
	})
}

func (e *Emitter) remove(event string, id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	entries := e.handlers[event]
	for i, entry := range entries {
		if entry.id == id {
			e.handlers[event] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}

	if len(e.handlers[event]) == 0 {
		delete(e.handlers, event)
	}
}

// Dispatch calls every handler registered for ev.Name in registration order.
// Handlers may subscribe or unsubscribe while being dispatched.
func (e *Emitter) Dispatch(ev Event) {
	e.mu.RLock()
	entries := e.handlers[ev.Name]
	snapshot := make([]EventHandler, len(entries))
	for i, entry := range entries {
		snapshot[i] = entry.handler
	}
	e.mu.RUnlock()

	for _, handler := range snapshot {
		handler(ev)
	}
}

// HandlerCount returns the number of handlers registered for event.
func (e *Emitter) HandlerCount(event string) int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.handlers[event])
}

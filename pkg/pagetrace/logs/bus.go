package logs

import (
	"sync"
	"time"
)

// Event is one log-write batch: the logger channel that flushed it, the
// request scope it belongs to and the entries keyed by level.
type Event struct {
	Scope   string
	Channel string
	Log     Buffer
	Time    time.Time
}

// Listener receives log-write events.
type Listener func(Event)

// Stream is the subscription side of a log-write event stream.
type Stream interface {
	Subscribe(scope string, l Listener) (unsubscribe func())
}

// Publisher is the emitting side of a log-write event stream.
type Publisher interface {
	Publish(e Event)
}

// Bus is an in-process log-write event stream. Listeners subscribe to a
// request scope; listeners on the empty scope receive every event.
type Bus struct {
	mu        sync.RWMutex
	nextID    uint64
	listeners map[string]map[uint64]Listener
}

func NewBus() *Bus {
	return &Bus{
		listeners: make(map[string]map[uint64]Listener),
	}
}

// Subscribe registers l for events of scope. The returned function removes
// the registration and is safe to call more than once.
func (b *Bus) Subscribe(scope string, l Listener) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	if b.listeners[scope] == nil {
		b.listeners[scope] = make(map[uint64]Listener)
	}
	b.listeners[scope][id] = l

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			delete(b.listeners[scope], id)
			if len(b.listeners[scope]) == 0 {
				delete(b.listeners, scope)
			}
		})
	}
}

// Publish delivers e synchronously to the listeners of e.Scope and to the
// global listeners.
func (b *Bus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	b.mu.RLock()
	// Copy listeners to release lock before calling out
	targets := make([]Listener, 0, len(b.listeners[e.Scope])+len(b.listeners[""]))
	for _, l := range b.listeners[e.Scope] {
		targets = append(targets, l)
	}
	if e.Scope != "" {
		for _, l := range b.listeners[""] {
			targets = append(targets, l)
		}
	}
	b.mu.RUnlock()

	for _, l := range targets {
		l(e)
	}
}

// Listeners returns how many listeners are registered for scope.
func (b *Bus) Listeners(scope string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[scope])
}

// Scopes returns how many scopes have at least one listener.
func (b *Bus) Scopes() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

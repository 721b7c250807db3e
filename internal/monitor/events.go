package monitor

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// EventType identifies a lifecycle or data event emitted by the monitor.
type EventType string

const (
	EventStarted        EventType = "started"
	EventStopped        EventType = "stopped"
	EventPaused         EventType = "paused"
	EventResumed        EventType = "resumed"
	EventError          EventType = "error"
	EventContextUpdated EventType = "context_updated"
	EventPrivacyChanged EventType = "privacy_changed"
)

// Event is one emitted occurrence. Payload content depends on the type.
type Event struct {
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Payload   any       `json:"payload,omitempty"`
}

// Listener receives events. Listeners run synchronously on the emitting
// goroutine; keep them fast.
type Listener func(Event)

// Emitter is a minimal typed event bus. A panicking listener is logged and
// skipped; it never breaks emission to the remaining listeners.
type Emitter struct {
	mu        sync.Mutex
	listeners map[EventType]map[int]Listener
	all       map[int]Listener
	nextID    int
}

// NewEmitter creates an empty emitter.
func NewEmitter() *Emitter {
	return &Emitter{
		listeners: make(map[EventType]map[int]Listener),
		all:       make(map[int]Listener),
	}
}

// On registers a listener for one event type. The returned func removes it.
func (e *Emitter) On(t EventType, fn Listener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	if e.listeners[t] == nil {
		e.listeners[t] = make(map[int]Listener)
	}
	e.listeners[t][id] = fn
	return func() {
		e.mu.Lock()
		delete(e.listeners[t], id)
		e.mu.Unlock()
	}
}

// OnAll registers a listener for every event type.
func (e *Emitter) OnAll(fn Listener) func() {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := e.nextID
	e.nextID++
	e.all[id] = fn
	return func() {
		e.mu.Lock()
		delete(e.all, id)
		e.mu.Unlock()
	}
}

// Emit delivers the event to every matching listener.
func (e *Emitter) Emit(t EventType, payload any) {
	ev := Event{Type: t, Timestamp: time.Now(), Payload: payload}

	e.mu.Lock()
	fns := make([]Listener, 0, len(e.listeners[t])+len(e.all))
	for _, fn := range e.listeners[t] {
		fns = append(fns, fn)
	}
	for _, fn := range e.all {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	for _, fn := range fns {
		dispatch(t, fn, ev)
	}
}

func dispatch(t EventType, fn Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("event", string(t)).Interface("panic", r).Msg("event listener panicked")
		}
	}()
	fn(ev)
}

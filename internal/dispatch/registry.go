// Package dispatch implements the typed pub-sub registry through which the
// core notifies UI collaborators. It is the only path out of the internals;
// no component hands out references to its private state.
package dispatch

import (
	"sync"

	"github.com/rs/zerolog"
)

// Handler receives the payload published for an event.
type Handler func(payload any)

// Registry maps event names to subscriber sets. Multiple handlers per event
// are supported; unsubscribing removes only that handler.
type Registry struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[string]map[uint64]Handler
	logger   zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		handlers: make(map[string]map[uint64]Handler),
		logger:   logger.With().Str("component", "dispatch").Logger(),
	}
}

// Subscribe registers a handler for an event and returns its unsubscribe
// function. Unsubscribing twice is a no-op.
func (r *Registry) Subscribe(event string, handler Handler) func() {
	if handler == nil {
		return func() {}
	}

	r.mu.Lock()
	r.nextID++
	id := r.nextID
	if r.handlers[event] == nil {
		r.handlers[event] = make(map[uint64]Handler)
	}
	r.handlers[event][id] = handler
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if set, exists := r.handlers[event]; exists {
			delete(set, id)
			if len(set) == 0 {
				delete(r.handlers, event)
			}
		}
	}
}

// Publish delivers the payload to every handler subscribed to the event.
// Publishing with no subscribers is a safe no-op. A panicking handler is
// recovered and logged so it cannot break the rest of the chain.
func (r *Registry) Publish(event string, payload any) {
	r.mu.RLock()
	set := r.handlers[event]
	handlers := make([]Handler, 0, len(set))
	for _, h := range set {
		handlers = append(handlers, h)
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		r.invoke(event, h, payload)
	}
}

func (r *Registry) invoke(event string, h Handler, payload any) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error().Str("event", event).Interface("panic", rec).
				Msg("event handler panicked")
		}
	}()
	h(payload)
}

// SubscriberCount returns the number of handlers for an event.
func (r *Registry) SubscriberCount(event string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers[event])
}

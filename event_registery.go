package streamstore

import (
	"fmt"
	"sync"
)

// Registry maps event type names to factory functions so serializers can
// rebuild concrete event values from recorded type names. Each Connection
// user typically shares one registry; construct separate registries for
// isolated test instances.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]func() Event
}

// NewRegistry creates an empty event registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: map[string]func() Event{},
	}
}

// RegisterEvent registers an Event type using its default type name.
//
// Panics if the factory is nil, returns nil, or the name is already taken.
func (r *Registry) RegisterEvent(fn func() Event) {
	if fn == nil {
		panic("cannot register nil factory")
	}
	r.RegisterEventName(fn().EventType(), fn)
}

// RegisterEventName registers an Event type under a custom name.
func (r *Registry) RegisterEventName(name string, fn func() Event) {
	if fn == nil {
		panic("cannot register nil factory")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		panic(fmt.Sprintf("event already registered: %s", name))
	}

	ev := fn()
	if ev == nil {
		panic(fmt.Sprintf("factory returned nil for event: %s", name))
	}

	r.factories[name] = fn
}

// NewEventByName creates a new instance of a registered Event by its name.
func (r *Registry) NewEventByName(name string) (Event, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("event not registered: %s", name)
	}
	ev := factory()
	if ev == nil {
		return nil, fmt.Errorf("factory returned nil for event: %s", name)
	}
	return ev, nil
}

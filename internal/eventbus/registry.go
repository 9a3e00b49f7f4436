package eventbus

import "sort"

// Registry is a name-indexed set of events owned by the controller.
// Components look up each other's events here instead of holding direct
// references to their producers.
type Registry struct {
	events map[string]*Event
}

func NewRegistry() *Registry {
	return &Registry{events: make(map[string]*Event)}
}

// Register adds an event. Re-registering a name replaces the previous
// event; callers are expected to register once at startup.
func (r *Registry) Register(e *Event) *Event {
	r.events[e.Name] = e
	return e
}

// Get returns the named event, or nil if it was never registered.
func (r *Registry) Get(name string) *Event {
	return r.events[name]
}

// Names returns all registered event names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.events))
	for name := range r.events {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

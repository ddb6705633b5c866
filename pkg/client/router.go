package client

import (
	"errors"
	"indigo/pkg/property"
	"slices"
	"sync"
)

// Filter selects the events a routed handler receives. Zero fields match
// everything.
type Filter struct {
	Actions []Action
	Device  string
	Name    string
	Kind    property.Kind
	States  []property.State
}

func (f Filter) match(action Action, v *property.Vector) bool {
	switch {
	case len(f.Actions) > 0 && !slices.Contains(f.Actions, action):
		return false
	case f.Device != "" && f.Device != v.Device:
		return false
	case f.Name != "" && f.Name != v.Name:
		return false
	case f.Kind != 0 && f.Kind != v.Kind:
		return false
	case len(f.States) > 0 && !slices.Contains(f.States, v.State):
		return false
	}
	return true
}

type route struct {
	filter  Filter
	handler DispatchHandler
	once    bool
}

// Router fans one dispatch stream out to several filtered handlers.
// Register its Dispatch method as the dispatch handler.
type Router struct {
	mu     sync.Mutex
	routes []*route
}

func NewRouter() *Router {
	return &Router{}
}

// Handle adds a handler for the events matching f.
func (r *Router) Handle(f Filter, h DispatchHandler) {
	r.add(&route{filter: f, handler: h})
}

// Once adds a handler that is removed after its first matching event.
func (r *Router) Once(f Filter, h DispatchHandler) {
	r.add(&route{filter: f, handler: h, once: true})
}

func (r *Router) add(rt *route) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes = append(r.routes, rt)
}

// Dispatch calls every matching handler in registration order and joins
// their errors.
func (r *Router) Dispatch(action Action, v *property.Vector) error {
	r.mu.Lock()
	var matched []*route
	kept := r.routes[:0:0]
	for _, rt := range r.routes {
		if rt.filter.match(action, v) {
			matched = append(matched, rt)
			if rt.once {
				continue
			}
		}
		kept = append(kept, rt)
	}
	r.routes = kept
	r.mu.Unlock()

	var errs []error
	for _, rt := range matched {
		if err := rt.handler(action, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/jinzhu/copier"
	"github.com/koscakluka/ari-core/core/events"
)

// Resource is the live in-memory image of one remote object. Its attribute
// snapshot reflects the last event or remote-call response that referenced
// it. The registry owns resources; a resource never owns the registry.
type Resource struct {
	id   string
	kind events.ResourceKind

	caller Caller

	mu    sync.RWMutex
	attrs map[string]any
}

func newResource(id string, kind events.ResourceKind, caller Caller) *Resource {
	return &Resource{id: id, kind: kind, caller: caller, attrs: map[string]any{}}
}

func (r *Resource) ID() string {
	return r.id
}

func (r *Resource) Kind() events.ResourceKind {
	return r.kind
}

// Attributes returns a deep copy of the current attribute snapshot, so
// consumers can hold it across later updates.
func (r *Resource) Attributes() map[string]any {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snapshot := map[string]any{}
	if err := copier.CopyWithOption(&snapshot, r.attrs, copier.Option{DeepCopy: true}); err != nil {
		logger.Warn("failed to deep copy resource attributes", "resource", r.id, "error", err)
		for key, value := range r.attrs {
			snapshot[key] = value
		}
	}
	return snapshot
}

// Attribute looks up a single attribute from the snapshot.
func (r *Resource) Attribute(key string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	value, ok := r.attrs[key]
	return value, ok
}

// applyDelta merges attrs into the snapshot, last write wins. Fields not
// present in attrs are left untouched.
func (r *Resource) applyDelta(attrs map[string]any) {
	if len(attrs) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for key, value := range attrs {
		r.attrs[key] = value
	}
}

// Invoke issues a named remote operation against this resource and merges
// any returned attributes into the snapshot.
func (r *Resource) Invoke(ctx context.Context, operation string, args map[string]any) (map[string]any, error) {
	if r.caller == nil {
		return nil, ErrNoCaller
	}

	attrs, err := r.caller.Invoke(ctx, r.kind, r.id, operation, args)
	if err != nil {
		return nil, fmt.Errorf("remote operation %q on %s %s: %w", operation, r.kind, r.id, err)
	}

	r.applyDelta(attrs)
	return attrs, nil
}

// Registry maps resource ids to live resource objects for the lifetime of
// one connection. At most one Resource instance exists per id while the
// registry is live.
type Registry struct {
	caller Caller

	mu        sync.Mutex
	resources map[string]*Resource
}

func newRegistry(caller Caller) *Registry {
	return &Registry{caller: caller, resources: map[string]*Resource{}}
}

// Resolve returns the resource registered under id, creating and inserting
// a new one with an empty attribute snapshot when the id is unseen.
func (g *Registry) Resolve(id string, kind events.ResourceKind) *Resource {
	g.mu.Lock()
	defer g.mu.Unlock()

	if resource, ok := g.resources[id]; ok {
		return resource
	}

	resource := newResource(id, kind, g.caller)
	g.resources[id] = resource
	return resource
}

// Lookup returns the resource registered under id without creating one.
func (g *Registry) Lookup(id string) (*Resource, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()

	resource, ok := g.resources[id]
	return resource, ok
}

// Remove evicts id after its terminal event finished fan-out. Safe to call
// for ids that were never registered or were already removed.
func (g *Registry) Remove(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.resources, id)
}

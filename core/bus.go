package engine

import (
	"slices"
	"sync"

	"github.com/koscakluka/ari-core/core/events"
)

// Delivery is one item handed to a subscription: the event plus the
// resources it referenced, resolved to their live objects by role.
type Delivery struct {
	Event     events.Event
	Resources map[events.Role]*Resource
}

// Resource returns the resolved resource referenced under role, or nil.
func (d Delivery) Resource(role events.Role) *Resource {
	return d.Resources[role]
}

// Filter selects which events a subscription observes. The zero value
// matches everything. Kind narrows to an exact event type; ResourceID and
// ResourceKind narrow to events referencing a specific resource or any
// resource of a kind. ResourceID takes precedence over ResourceKind when
// both are set.
type Filter struct {
	Kind         events.Kind
	ResourceID   string
	ResourceKind events.ResourceKind
}

func (f Filter) Matches(event events.Event, resources map[events.Role]*Resource) bool {
	if f.Kind != "" && f.Kind != event.Kind() {
		return false
	}

	if f.ResourceID != "" {
		for _, resource := range resources {
			if resource.ID() == f.ResourceID {
				return true
			}
		}
		return false
	}

	if f.ResourceKind != "" {
		for _, resource := range resources {
			if resource.Kind() == f.ResourceKind {
				return true
			}
		}
		return false
	}

	return true
}

// Bus is the single-threaded dispatcher. Dispatch is only ever called from
// the connection's dispatch loop; Subscribe may be called from any task.
type Bus struct {
	registry *Registry

	mu            sync.Mutex
	subscriptions []*Subscription
	closed        bool
	closeErr      error
}

func newBus(registry *Registry) *Bus {
	return &Bus{registry: registry}
}

// Dispatch resolves the event's references, applies its attribute deltas,
// fans the event out to every matching subscription in registration order,
// and finally evicts resources the event terminated. Delivery goes into
// each subscription's own buffer, so one slow consumer never blocks
// another or the loop itself.
func (b *Bus) Dispatch(event events.Event) {
	resources := map[events.Role]*Resource{}
	for role, id := range event.Refs() {
		resource := b.registry.Resolve(id, role.ResourceKind())
		resource.applyDelta(event.Attributes(role))
		resources[role] = resource
	}

	b.mu.Lock()
	subscriptions := slices.Clone(b.subscriptions)
	b.mu.Unlock()

	delivery := Delivery{Event: event, Resources: resources}
	for _, subscription := range subscriptions {
		if subscription.filter.Matches(event, resources) {
			subscription.push(delivery)
		}
	}

	// Eviction happens after fan-out so listeners observing the terminal
	// event still see the final attribute state.
	for _, role := range event.TerminalRoles() {
		if id, ok := event.Ref(role); ok {
			b.registry.Remove(id)
		}
	}
}

// Subscribe registers a new subscription. On a bus that already closed the
// subscription comes back already cancelled, carrying the close reason.
func (b *Bus) Subscribe(filter Filter) *Subscription {
	subscription := newSubscription(filter)
	subscription.release = func() { b.remove(subscription) }

	b.mu.Lock()
	if b.closed {
		closeErr := b.closeErr
		b.mu.Unlock()
		subscription.closeWithReason(closeErr)
		return subscription
	}
	b.subscriptions = append(b.subscriptions, subscription)
	b.mu.Unlock()

	return subscription
}

func (b *Bus) remove(subscription *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscriptions = slices.DeleteFunc(b.subscriptions, func(s *Subscription) bool {
		return s == subscription
	})
}

// close cancels every live subscription. A nil reason is a graceful end of
// the stream; ErrConnectionLost marks transport failure.
func (b *Bus) close(reason error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.closeErr = reason
	subscriptions := b.subscriptions
	b.subscriptions = nil
	b.mu.Unlock()

	for _, subscription := range subscriptions {
		subscription.closeWithReason(reason)
	}
}

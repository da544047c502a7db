package events

import (
	"maps"
	"time"
)

// Kind is the event type string carried in the "type" field of every event
// pushed by the server. Unknown kinds are legal values; the dispatcher never
// rejects an event because its kind is not catalogued here.
type Kind string

// Role names a payload field that carries a resource reference, e.g. the
// "channel" object of a ChannelStateChange event.
type Role string

// ResourceKind classifies the remote object a reference points at.
type ResourceKind string

// Event is an immutable record of one server-pushed notification. It is
// constructed once by the transport (or a test) and then only read.
type Event struct {
	kind      Kind
	timestamp time.Time
	refs      map[Role]string
	payload   map[string]any
}

type Option func(*Event)

// WithTimestamp overrides the construction-time timestamp with the one the
// server stamped on the event.
func WithTimestamp(timestamp time.Time) Option {
	return func(event *Event) { event.timestamp = timestamp }
}

// WithRef records that the payload field named by role references the
// resource with the given id.
func WithRef(role Role, id string) Option {
	return func(event *Event) {
		if event.refs == nil {
			event.refs = map[Role]string{}
		}
		event.refs[role] = id
	}
}

// WithPayload sets the decoded event body. The map is used as-is; callers
// hand over ownership.
func WithPayload(payload map[string]any) Option {
	return func(event *Event) { event.payload = payload }
}

func New(kind Kind, opts ...Option) Event {
	event := Event{kind: kind, timestamp: time.Now()}
	for _, opt := range opts {
		opt(&event)
	}
	return event
}

func (e Event) Kind() Kind {
	return e.kind
}

func (e Event) Timestamp() time.Time {
	return e.timestamp
}

// Refs returns a copy of the role to resource-id mapping.
func (e Event) Refs() map[Role]string {
	return maps.Clone(e.refs)
}

// Ref looks up the resource id referenced under role.
func (e Event) Ref(role Role) (string, bool) {
	id, ok := e.refs[role]
	return id, ok
}

// Payload returns a copy of the decoded event body.
func (e Event) Payload() map[string]any {
	return maps.Clone(e.payload)
}

// Field looks up a single top-level payload field.
func (e Event) Field(key string) (any, bool) {
	value, ok := e.payload[key]
	return value, ok
}

// Attributes returns the attribute delta the event carries for the resource
// referenced under role, or nil when the payload has no object for it.
func (e Event) Attributes(role Role) map[string]any {
	object, ok := e.payload[string(role)].(map[string]any)
	if !ok {
		return nil
	}
	return maps.Clone(object)
}

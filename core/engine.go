// Package engine implements the client-side control-plane runtime for one
// connection to an ARI-style event stream: a single-threaded event
// dispatcher, a registry of live resource objects kept in sync with the
// stream, filtered subscriptions for ad-hoc listeners, per-resource state
// machines, and the supervisor owning their concurrent tasks.
//
// The model is wholly in-memory and scoped to one connection; a reconnect
// builds a fresh engine. Transport and remote-operation discovery live
// behind the EventSource and Caller interfaces (see core/asterisk for the
// concrete collaborators).
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/koscakluka/ari-core/core/events"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// EventSource yields decoded events in arrival order. Next blocks until an
// event is available; it returns io.EOF when the stream ended cleanly and
// any other error when the connection was lost.
type EventSource interface {
	Next(ctx context.Context) (events.Event, error)
}

// Caller issues a named remote operation against a resource id and returns
// the result's attributes. The engine does not interpret operation names or
// arguments; that is owned by the capability table behind the interface.
type Caller interface {
	Invoke(ctx context.Context, kind events.ResourceKind, id string, operation string, args map[string]any) (map[string]any, error)
}

// Engine is the connection-scoped runtime: it owns the registry, the bus,
// and the task supervisor for exactly one connection's lifetime. There is
// no process-wide state; construct one engine per connection attempt.
type Engine struct {
	source        EventSource
	caller        Caller
	onTaskFailure func(task string, err error)

	registry   *Registry
	bus        *Bus
	supervisor *Supervisor

	mu       sync.Mutex
	machines map[string]*Machine
	running  bool

	closeOnce sync.Once
	closed    chan struct{}
}

func New(opts ...Option) *Engine {
	e := &Engine{
		machines: map[string]*Machine{},
		closed:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.registry = newRegistry(e.caller)
	e.bus = newBus(e.registry)
	e.supervisor = newSupervisor(context.Background())
	e.supervisor.onFailure = e.onTaskFailure

	return e
}

// Run is the connection's single dispatch loop: it pulls events from the
// source in arrival order and dispatches each one before pulling the next.
// It returns nil when the stream ends cleanly (io.EOF or ctx cancellation)
// and an error wrapping ErrConnectionLost when the stream dies; either way
// every subscription has been cancelled and every supervised task awaited
// before Run returns.
//
// Contract: call Run at most once per engine instance.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("engine already running")
	}
	if e.source == nil {
		e.mu.Unlock()
		return ErrNoEventSource
	}
	e.running = true
	e.mu.Unlock()

	ctx, span := tracer.Start(ctx, "event dispatch loop")
	defer span.End()

	defer e.Close()

	dispatched := 0
	defer func() { span.SetAttributes(attribute.Int("events.dispatched", dispatched)) }()

	for {
		event, err := e.source.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) ||
				errors.Is(err, context.Canceled) ||
				errors.Is(err, context.DeadlineExceeded) ||
				ctx.Err() != nil {
				return nil
			}

			lost := fmt.Errorf("%w: %v", ErrConnectionLost, err)
			span.RecordError(lost)
			span.SetStatus(codes.Error, lost.Error())
			e.bus.close(ErrConnectionLost)
			return lost
		}

		e.bus.Dispatch(event)
		dispatched++
	}
}

// Subscribe registers a filtered subscription on the connection's bus.
func (e *Engine) Subscribe(filter Filter) *Subscription {
	return e.bus.Subscribe(filter)
}

// SubscribeGlobal observes every event of the given kind, regardless of
// which resources it references. An empty kind observes everything.
func (e *Engine) SubscribeGlobal(kind events.Kind) *Subscription {
	return e.bus.Subscribe(Filter{Kind: kind})
}

// SubscribeResource observes events of the given kind referencing the
// resource id. An empty kind observes every event touching the resource.
func (e *Engine) SubscribeResource(id string, kind events.Kind) *Subscription {
	return e.bus.Subscribe(Filter{Kind: kind, ResourceID: id})
}

// Resource resolves id through the connection's registry, creating a fresh
// object with an empty attribute snapshot when the id is unseen.
func (e *Engine) Resource(id string, kind events.ResourceKind) *Resource {
	return e.registry.Resolve(id, kind)
}

// Supervisor exposes the connection's task supervisor, for spawning
// application tasks that must not outlive the connection.
func (e *Engine) Supervisor() *Supervisor {
	return e.supervisor
}

// Close ends the connection scope: subscriptions are cancelled gracefully
// and all supervised tasks are cancelled and awaited. Idempotent.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		e.bus.close(nil)
		e.supervisor.Shutdown()
		close(e.closed)
	})
}

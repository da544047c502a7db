package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/koscakluka/ari-core/core/events"
)

// HandlerFunc reacts to one delivered event while the machine is in the
// state that declared it.
type HandlerFunc func(ctx context.Context, machine *Machine, delivery Delivery) error

// State is one named state of a machine: an optional entry hook, an
// optional exit hook, and the event kinds it handles. Event kinds without
// a handler are ignored, not errors.
type State struct {
	Name     string
	Enter    func(ctx context.Context, machine *Machine) error
	Exit     func(ctx context.Context, machine *Machine)
	Handlers map[events.Kind]HandlerFunc
}

// Definition is the application-supplied state table for one machine.
type Definition struct {
	Initial string
	States  []State
}

// Trait is a reusable event-handling capability composed into a machine.
// Traits get first look at the kinds they declare, in attachment order,
// before the current state's own handler. Returning handled stops further
// processing of that event.
type Trait interface {
	Kinds() []events.Kind
	Handle(ctx context.Context, machine *Machine, delivery Delivery) (handled bool, err error)
}

type MachineOption func(*Machine)

// WithTraits attaches capability traits in the order given.
func WithTraits(traits ...Trait) MachineOption {
	return func(machine *Machine) {
		machine.traits = append(machine.traits, traits...)
	}
}

// Machine is the per-resource controller: a subscription consumer plus a
// current-state pointer. It runs as one supervised task; a failing handler
// terminates this machine only, never the dispatch loop or its siblings.
type Machine struct {
	resource     *Resource
	subscription *Subscription
	states       map[string]State
	traits       []Trait
	release      func()

	mu         sync.RWMutex
	current    string
	terminated bool

	// Handler-invocation bookkeeping, touched only on the machine's own
	// task while a handler or hook is running.
	inHandler    bool
	transitioned bool

	exitOnce sync.Once
	done     chan struct{}
}

// StartMachine attaches a state machine to resource and starts it under
// the engine's task supervisor. At most one machine controls a resource id
// at a time; a second StartMachine for a live id fails with
// ErrMachineExists. The machine subscribes to every event referencing the
// resource, runs the initial state's entry hook, then consumes events
// until the resource terminates, Terminate is called, or a handler fails.
func (e *Engine) StartMachine(resource *Resource, definition Definition, opts ...MachineOption) (*Machine, error) {
	if resource == nil {
		return nil, errors.New("state machine requires a resource")
	}

	states := make(map[string]State, len(definition.States))
	for _, state := range definition.States {
		if state.Name == "" {
			return nil, errors.New("state machine state with an empty name")
		}
		if _, ok := states[state.Name]; ok {
			return nil, fmt.Errorf("duplicate state %q", state.Name)
		}
		states[state.Name] = state
	}
	if _, ok := states[definition.Initial]; !ok {
		return nil, fmt.Errorf("%w: initial state %q is not declared", ErrInvalidTransition, definition.Initial)
	}

	machine := &Machine{
		resource: resource,
		states:   states,
		current:  definition.Initial,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(machine)
	}

	e.mu.Lock()
	if _, ok := e.machines[resource.ID()]; ok {
		e.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrMachineExists, resource.ID())
	}
	e.machines[resource.ID()] = machine
	e.mu.Unlock()

	machine.release = func() {
		e.mu.Lock()
		if e.machines[resource.ID()] == machine {
			delete(e.machines, resource.ID())
		}
		e.mu.Unlock()
	}

	machine.subscription = e.bus.Subscribe(Filter{ResourceID: resource.ID()})

	name := fmt.Sprintf("state machine %s/%s", resource.Kind(), resource.ID())
	if err := e.supervisor.Spawn(name, machine.run); err != nil {
		machine.subscription.Close()
		machine.release()
		return nil, err
	}

	return machine, nil
}

func (m *Machine) Resource() *Resource {
	return m.resource
}

// Current returns the name of the machine's current state.
func (m *Machine) Current() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

func (m *Machine) setCurrent(name string) {
	m.mu.Lock()
	m.current = name
	m.mu.Unlock()
}

// Terminated reports whether the machine has ended and run its exit hook.
func (m *Machine) Terminated() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.terminated
}

// Done is closed once the machine has fully terminated.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// Terminate requests termination: the machine's subscription is cancelled
// and its task winds down, running the current state's exit hook before
// Done closes. Idempotent.
func (m *Machine) Terminate() {
	m.subscription.Close()
}

func (m *Machine) run(ctx context.Context) error {
	defer m.terminate(ctx)

	if err := m.runEntry(ctx, m.states[m.Current()]); err != nil {
		return fmt.Errorf("state %q entry hook: %w", m.Current(), err)
	}

	for delivery, err := range m.subscription.Events(ctx) {
		if err != nil {
			return err
		}
		if err := m.handle(ctx, delivery); err != nil {
			return err
		}
		if m.terminatesResource(delivery) {
			return nil
		}
	}
	return nil
}

// handle dispatches one delivery: traits first, in attachment order, then
// the current state's declared handler for the event kind, if any.
func (m *Machine) handle(ctx context.Context, delivery Delivery) error {
	m.inHandler = true
	m.transitioned = false
	defer func() { m.inHandler = false }()

	kind := delivery.Event.Kind()
	for _, trait := range m.traits {
		if !slices.Contains(trait.Kinds(), kind) {
			continue
		}
		handled, err := trait.Handle(ctx, m, delivery)
		if err != nil {
			return fmt.Errorf("trait handling %q: %w", kind, err)
		}
		if handled {
			return nil
		}
	}

	current := m.Current()
	handler, ok := m.states[current].Handlers[kind]
	if !ok {
		return nil
	}
	if err := handler(ctx, m, delivery); err != nil {
		return fmt.Errorf("state %q handling %q: %w", current, kind, err)
	}
	return nil
}

func (m *Machine) runEntry(ctx context.Context, state State) error {
	if state.Enter == nil {
		return nil
	}

	m.inHandler = true
	m.transitioned = false
	defer func() { m.inHandler = false }()
	return state.Enter(ctx, m)
}

// Transition moves the machine to the named state: the current state's
// exit hook runs, the pointer swaps, then the new state's entry hook runs
// with a fresh transition budget. Callable only from a handler or hook,
// and at most once per handler invocation; violations and undeclared
// targets fail with ErrInvalidTransition and leave the current state
// untouched.
func (m *Machine) Transition(ctx context.Context, name string) error {
	if !m.inHandler {
		return fmt.Errorf("%w: transition outside of a handler or hook", ErrInvalidTransition)
	}
	if m.transitioned {
		return fmt.Errorf("%w: already transitioned to %q while handling this event", ErrInvalidTransition, m.Current())
	}
	next, ok := m.states[name]
	if !ok {
		return fmt.Errorf("%w: state %q is not declared", ErrInvalidTransition, name)
	}

	m.transitioned = true
	if current := m.states[m.Current()]; current.Exit != nil {
		current.Exit(ctx, m)
	}
	m.setCurrent(name)

	if next.Enter != nil {
		m.transitioned = false
		err := next.Enter(ctx, m)
		m.transitioned = true
		if err != nil {
			return fmt.Errorf("state %q entry hook: %w", name, err)
		}
	}
	return nil
}

// terminatesResource reports whether the delivered event was terminal for
// the machine's own resource.
func (m *Machine) terminatesResource(delivery Delivery) bool {
	for _, role := range delivery.Event.TerminalRoles() {
		if id, ok := delivery.Event.Ref(role); ok && id == m.resource.ID() {
			return true
		}
	}
	return false
}

func (m *Machine) terminate(ctx context.Context) {
	m.exitOnce.Do(func() {
		m.subscription.Close()
		if current := m.states[m.Current()]; current.Exit != nil {
			current.Exit(ctx, m)
		}

		m.mu.Lock()
		m.terminated = true
		m.mu.Unlock()

		if m.release != nil {
			m.release()
		}
		close(m.done)
	})
}

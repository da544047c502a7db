package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/koscakluka/ari-core/core/events"
)

func startTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()

	e := New(opts...)
	t.Cleanup(e.Close)
	return e
}

func dtmfEvent(id string, digit any) events.Event {
	return events.New(events.KindChannelDtmfReceived,
		events.WithRef(events.RoleChannel, id),
		events.WithPayload(map[string]any{"digit": digit}),
	)
}

func awaitTermination(t *testing.T, machine *Machine) {
	t.Helper()

	select {
	case <-machine.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("machine never terminated")
	}
}

func TestMachineRunsInitialEntryHook(t *testing.T) {
	e := startTestEngine(t)

	entered := make(chan struct{})
	machine, err := e.StartMachine(e.Resource("c1", events.ResourceChannel), Definition{
		Initial: "Idle",
		States: []State{{
			Name: "Idle",
			Enter: func(ctx context.Context, machine *Machine) error {
				close(entered)
				return nil
			},
		}},
	})
	if err != nil {
		t.Fatalf("expected machine to start, got %v", err)
	}

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("initial entry hook never ran")
	}

	machine.Terminate()
	awaitTermination(t, machine)
}

func TestTransitionRunsExitThenEntryExactlyOnce(t *testing.T) {
	e := startTestEngine(t)

	var mu sync.Mutex
	var order []string
	record := func(step string) {
		mu.Lock()
		order = append(order, step)
		mu.Unlock()
	}

	machine, err := e.StartMachine(e.Resource("c1", events.ResourceChannel), Definition{
		Initial: "Ringing",
		States: []State{
			{
				Name: "Ringing",
				Exit: func(ctx context.Context, machine *Machine) { record("exit Ringing") },
				Handlers: map[events.Kind]HandlerFunc{
					events.KindChannelStateChange: func(ctx context.Context, machine *Machine, delivery Delivery) error {
						return machine.Transition(ctx, "Active")
					},
				},
			},
			{
				Name: "Active",
				Enter: func(ctx context.Context, machine *Machine) error {
					record("enter Active")
					return nil
				},
			},
		},
	})
	if err != nil {
		t.Fatalf("expected machine to start, got %v", err)
	}

	e.bus.Dispatch(channelEvent(events.KindChannelStateChange, "c1", map[string]any{"state": "Up"}))

	waitForCondition(t, 2*time.Second, "machine reaches Active", func() bool {
		return machine.Current() == "Active"
	})

	mu.Lock()
	got := append([]string(nil), order...)
	mu.Unlock()
	if len(got) != 2 || got[0] != "exit Ringing" || got[1] != "enter Active" {
		t.Fatalf("expected exit then entry exactly once, got %v", got)
	}
}

func TestSecondTransitionInOneHandlerFails(t *testing.T) {
	e := startTestEngine(t)

	transitionErrs := make(chan error, 1)
	machine, err := e.StartMachine(e.Resource("c1", events.ResourceChannel), Definition{
		Initial: "Ringing",
		States: []State{
			{
				Name: "Ringing",
				Handlers: map[events.Kind]HandlerFunc{
					events.KindChannelStateChange: func(ctx context.Context, machine *Machine, delivery Delivery) error {
						if err := machine.Transition(ctx, "Active"); err != nil {
							return err
						}
						transitionErrs <- machine.Transition(ctx, "Closing")
						return nil
					},
				},
			},
			{Name: "Active"},
			{Name: "Closing"},
		},
	})
	if err != nil {
		t.Fatalf("expected machine to start, got %v", err)
	}

	e.bus.Dispatch(channelEvent(events.KindChannelStateChange, "c1", nil))

	select {
	case transitionErr := <-transitionErrs:
		if !errors.Is(transitionErr, ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition for the second transition, got %v", transitionErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler never ran")
	}

	if current := machine.Current(); current != "Active" {
		t.Fatalf("expected current state to stay at the first transition's target, got %q", current)
	}
}

func TestTransitionToUndeclaredStateFails(t *testing.T) {
	e := startTestEngine(t)

	transitionErrs := make(chan error, 1)
	machine, err := e.StartMachine(e.Resource("c1", events.ResourceChannel), Definition{
		Initial: "Idle",
		States: []State{{
			Name: "Idle",
			Handlers: map[events.Kind]HandlerFunc{
				events.KindChannelStateChange: func(ctx context.Context, machine *Machine, delivery Delivery) error {
					transitionErrs <- machine.Transition(ctx, "Nowhere")
					return nil
				},
			},
		}},
	})
	if err != nil {
		t.Fatalf("expected machine to start, got %v", err)
	}

	e.bus.Dispatch(channelEvent(events.KindChannelStateChange, "c1", nil))

	select {
	case transitionErr := <-transitionErrs:
		if !errors.Is(transitionErr, ErrInvalidTransition) {
			t.Fatalf("expected ErrInvalidTransition for an undeclared state, got %v", transitionErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("handler never ran")
	}

	if current := machine.Current(); current != "Idle" {
		t.Fatalf("expected current state untouched, got %q", current)
	}
}

func TestTransitionOutsideHandlerFails(t *testing.T) {
	e := startTestEngine(t)

	machine, err := e.StartMachine(e.Resource("c1", events.ResourceChannel), Definition{
		Initial: "Idle",
		States:  []State{{Name: "Idle"}, {Name: "Busy"}},
	})
	if err != nil {
		t.Fatalf("expected machine to start, got %v", err)
	}

	if err := machine.Transition(context.Background(), "Busy"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition outside a handler, got %v", err)
	}
}

func TestEntryHookGetsFreshTransitionBudget(t *testing.T) {
	e := startTestEngine(t)

	machine, err := e.StartMachine(e.Resource("c1", events.ResourceChannel), Definition{
		Initial: "Dialing",
		States: []State{
			{
				Name: "Dialing",
				Handlers: map[events.Kind]HandlerFunc{
					events.KindChannelStateChange: func(ctx context.Context, machine *Machine, delivery Delivery) error {
						return machine.Transition(ctx, "Connecting")
					},
				},
			},
			{
				Name: "Connecting",
				Enter: func(ctx context.Context, machine *Machine) error {
					return machine.Transition(ctx, "Active")
				},
			},
			{Name: "Active"},
		},
	})
	if err != nil {
		t.Fatalf("expected machine to start, got %v", err)
	}

	e.bus.Dispatch(channelEvent(events.KindChannelStateChange, "c1", nil))

	waitForCondition(t, 2*time.Second, "chained transitions settle on Active", func() bool {
		return machine.Current() == "Active"
	})
}

func TestTraitHandlesEventBeforeStateHandler(t *testing.T) {
	e := startTestEngine(t)

	collector := NewDTMFCollector()
	stateSawDigit := make(chan struct{}, 1)
	machine, err := e.StartMachine(e.Resource("c1", events.ResourceChannel), Definition{
		Initial: "Menu",
		States: []State{{
			Name: "Menu",
			Handlers: map[events.Kind]HandlerFunc{
				events.KindChannelDtmfReceived: func(ctx context.Context, machine *Machine, delivery Delivery) error {
					stateSawDigit <- struct{}{}
					return nil
				},
			},
		}},
	}, WithTraits(collector))
	if err != nil {
		t.Fatalf("expected machine to start, got %v", err)
	}

	e.bus.Dispatch(dtmfEvent("c1", "5"))

	waitForCondition(t, 2*time.Second, "trait collects the digit", func() bool {
		return collector.Digits() == "5"
	})
	select {
	case <-stateSawDigit:
		t.Fatalf("expected the trait to consume the event before the state handler")
	default:
	}

	// A malformed digit falls through to the state's own handler.
	e.bus.Dispatch(dtmfEvent("c1", 7))
	select {
	case <-stateSawDigit:
	case <-time.After(2 * time.Second):
		t.Fatalf("malformed digit never reached the state handler")
	}
	if digits := collector.Digits(); digits != "5" {
		t.Fatalf("expected the collector untouched by the malformed digit, got %q", digits)
	}

	machine.Terminate()
	awaitTermination(t, machine)
}

func TestDTMFCollectorAccumulatesAndResets(t *testing.T) {
	e := startTestEngine(t)

	var mu sync.Mutex
	var reported []string
	collector := NewDTMFCollector(WithDigitCallback(func(digit string) {
		mu.Lock()
		reported = append(reported, digit)
		mu.Unlock()
	}))

	machine, err := e.StartMachine(e.Resource("c1", events.ResourceChannel), Definition{
		Initial: "Menu",
		States:  []State{{Name: "Menu"}},
	}, WithTraits(collector))
	if err != nil {
		t.Fatalf("expected machine to start, got %v", err)
	}

	for _, digit := range []string{"1", "2", "#"} {
		e.bus.Dispatch(dtmfEvent("c1", digit))
	}

	waitForCondition(t, 2*time.Second, "all digits collected", func() bool {
		return collector.Digits() == "12#"
	})

	mu.Lock()
	callbacks := len(reported)
	mu.Unlock()
	if callbacks != 3 {
		t.Fatalf("expected one callback per digit, got %d", callbacks)
	}

	collector.Reset()
	if digits := collector.Digits(); digits != "" {
		t.Fatalf("expected reset to clear digits, got %q", digits)
	}

	machine.Terminate()
	awaitTermination(t, machine)
}

func TestHandlerFailureTerminatesOnlyThatMachine(t *testing.T) {
	failures := make(chan string, 1)
	e := startTestEngine(t, WithTaskFailureCallback(func(task string, err error) {
		failures <- task
	}))

	exited := make(chan struct{})
	broken, err := e.StartMachine(e.Resource("c1", events.ResourceChannel), Definition{
		Initial: "Idle",
		States: []State{{
			Name: "Idle",
			Exit: func(ctx context.Context, machine *Machine) { close(exited) },
			Handlers: map[events.Kind]HandlerFunc{
				events.KindChannelStateChange: func(ctx context.Context, machine *Machine, delivery Delivery) error {
					return errors.New("handler boom")
				},
			},
		}},
	})
	if err != nil {
		t.Fatalf("expected machine to start, got %v", err)
	}

	healthy, err := e.StartMachine(e.Resource("c2", events.ResourceChannel), Definition{
		Initial: "Idle",
		States:  []State{{Name: "Idle"}},
	})
	if err != nil {
		t.Fatalf("expected second machine to start, got %v", err)
	}

	e.bus.Dispatch(channelEvent(events.KindChannelStateChange, "c1", nil))

	awaitTermination(t, broken)
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatalf("exit hook never ran for the failed machine")
	}

	select {
	case task := <-failures:
		if task != "state machine Channel/c1" {
			t.Fatalf("unexpected failed task %q", task)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("failure never surfaced to the supervisor")
	}

	if healthy.Terminated() {
		t.Fatalf("expected the sibling machine to keep running")
	}
	healthy.Terminate()
	awaitTermination(t, healthy)
}

func TestTerminalEventEndsMachine(t *testing.T) {
	e := startTestEngine(t)

	exited := make(chan struct{})
	machine, err := e.StartMachine(e.Resource("c1", events.ResourceChannel), Definition{
		Initial: "Active",
		States: []State{{
			Name: "Active",
			Exit: func(ctx context.Context, machine *Machine) { close(exited) },
		}},
	})
	if err != nil {
		t.Fatalf("expected machine to start, got %v", err)
	}

	e.bus.Dispatch(channelEvent(events.KindChannelDestroyed, "c1", nil))

	awaitTermination(t, machine)
	select {
	case <-exited:
	case <-time.After(2 * time.Second):
		t.Fatalf("exit hook never ran on the terminal event")
	}
	if !machine.Terminated() {
		t.Fatalf("expected the machine to report termination")
	}
}

func TestTerminateIsIdempotentAndRunsExitOnce(t *testing.T) {
	e := startTestEngine(t)

	var mu sync.Mutex
	exits := 0
	machine, err := e.StartMachine(e.Resource("c1", events.ResourceChannel), Definition{
		Initial: "Idle",
		States: []State{{
			Name: "Idle",
			Exit: func(ctx context.Context, machine *Machine) {
				mu.Lock()
				exits++
				mu.Unlock()
			},
		}},
	})
	if err != nil {
		t.Fatalf("expected machine to start, got %v", err)
	}

	machine.Terminate()
	machine.Terminate()
	awaitTermination(t, machine)
	machine.Terminate()

	mu.Lock()
	defer mu.Unlock()
	if exits != 1 {
		t.Fatalf("expected the exit hook exactly once, got %d", exits)
	}
}

func TestSecondMachineForLiveResourceIsRejected(t *testing.T) {
	e := startTestEngine(t)

	definition := Definition{Initial: "Idle", States: []State{{Name: "Idle"}}}
	resource := e.Resource("c1", events.ResourceChannel)

	first, err := e.StartMachine(resource, definition)
	if err != nil {
		t.Fatalf("expected first machine to start, got %v", err)
	}

	if _, err := e.StartMachine(resource, definition); !errors.Is(err, ErrMachineExists) {
		t.Fatalf("expected ErrMachineExists for the live resource, got %v", err)
	}

	first.Terminate()
	awaitTermination(t, first)

	second, err := e.StartMachine(resource, definition)
	if err != nil {
		t.Fatalf("expected a new machine after termination, got %v", err)
	}
	second.Terminate()
	awaitTermination(t, second)
}

func TestUndeclaredInitialStateFailsFast(t *testing.T) {
	e := startTestEngine(t)

	_, err := e.StartMachine(e.Resource("c1", events.ResourceChannel), Definition{
		Initial: "Missing",
		States:  []State{{Name: "Idle"}},
	})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition for an undeclared initial state, got %v", err)
	}
}

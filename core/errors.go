package engine

import "errors"

var (
	// ErrSubscriptionClosed marks the graceful end of a subscription's
	// event sequence. It is the value Next returns once the buffer has
	// drained after a clean close; it is not a failure.
	ErrSubscriptionClosed = errors.New("subscription closed")

	// ErrConnectionLost is broadcast to every live subscription when the
	// event stream ends unexpectedly.
	ErrConnectionLost = errors.New("event stream connection lost")

	// ErrInvalidTransition covers a second transition within one handler
	// invocation, a transition to an undeclared state, and a transition
	// attempted outside a handler or hook.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrMachineExists rejects a second toplevel state machine for a
	// resource that already has a live controller.
	ErrMachineExists = errors.New("resource already has an active state machine")

	// ErrSupervisorClosed rejects task spawns after shutdown began.
	ErrSupervisorClosed = errors.New("task supervisor already shut down")

	// ErrNoEventSource is returned by Run when the engine was built
	// without an event source.
	ErrNoEventSource = errors.New("no event source configured")

	// ErrNoCaller is returned by Resource.Invoke when the engine was
	// built without a remote-call interface.
	ErrNoCaller = errors.New("no remote caller configured")
)

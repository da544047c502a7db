package engine

type Option func(*Engine)

// WithEventSource sets the decoded event stream the dispatch loop consumes.
func WithEventSource(source EventSource) Option {
	return func(e *Engine) { e.source = source }
}

// WithCaller sets the remote-call interface resources invoke operations
// through.
func WithCaller(caller Caller) Option {
	return func(e *Engine) { e.caller = caller }
}

// WithTaskFailureCallback invokes fn whenever a supervised task ends with
// an error, in addition to the failure being recorded on the supervisor.
func WithTaskFailureCallback(fn func(task string, err error)) Option {
	return func(e *Engine) { e.onTaskFailure = fn }
}

package engine

import (
	"context"
	"errors"
	"slices"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// TaskFailure records one supervised task that ended with an error.
type TaskFailure struct {
	Task string
	Err  error
}

// Supervisor owns the concurrent tasks spawned for one connection. Every
// spawned task is either awaited to completion or cancelled and awaited
// before Shutdown returns; no task outlives the connection scope.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc

	wg sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	failures  []TaskFailure
	onFailure func(task string, err error)
}

func newSupervisor(ctx context.Context) *Supervisor {
	ctx, cancel := context.WithCancel(ctx)
	return &Supervisor{ctx: ctx, cancel: cancel}
}

// Spawn registers a new task under the connection scope and starts it. A
// task ending with an error other than cancellation is recorded as a
// failure; it never affects other tasks.
func (s *Supervisor) Spawn(name string, task func(ctx context.Context) error) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSupervisorClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()

		ctx, span := tracer.Start(s.ctx, "supervised task")
		defer span.End()
		span.SetAttributes(attribute.String("task.name", name))

		err := task(ctx)
		if err == nil || errors.Is(err, context.Canceled) {
			return
		}

		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.recordFailure(name, err)
	}()

	return nil
}

func (s *Supervisor) recordFailure(name string, err error) {
	logger.Error("supervised task failed", "task", name, "error", err)

	s.mu.Lock()
	s.failures = append(s.failures, TaskFailure{Task: name, Err: err})
	onFailure := s.onFailure
	s.mu.Unlock()

	if onFailure != nil {
		onFailure(name, err)
	}
}

// Failures returns the tasks that have failed so far.
func (s *Supervisor) Failures() []TaskFailure {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.failures)
}

// Shutdown cancels all outstanding tasks and waits until every one of them
// has observed the cancellation and returned. Idempotent.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}

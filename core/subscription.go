package engine

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"
)

// Subscription is one consumer's filtered view over the event stream. The
// bus appends matching deliveries to the subscription's own buffer; the
// consumer drains it with Next or Events. Closing stops further delivery
// but already-buffered items still drain.
type Subscription struct {
	id     string
	filter Filter

	mu       sync.Mutex
	queue    []Delivery
	closed   bool
	closeErr error

	wake        chan struct{}
	release     func()
	releaseOnce sync.Once
}

func newSubscription(filter Filter) *Subscription {
	return &Subscription{
		id:     uuid.NewString(),
		filter: filter,
		wake:   make(chan struct{}, 1),
	}
}

func (s *Subscription) ID() string {
	return s.id
}

func (s *Subscription) Filter() Filter {
	return s.filter
}

// push appends a delivery to the buffer. Called only by the dispatch loop;
// never blocks. A closed subscription is never handed another event.
func (s *Subscription) push(delivery Delivery) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, delivery)
	s.mu.Unlock()

	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Next blocks until the next matching delivery, the subscription's end, or
// ctx cancellation. After a close the buffer drains first; once empty, Next
// returns ErrSubscriptionClosed for a graceful close or the failure reason
// (ErrConnectionLost) when the transport died.
func (s *Subscription) Next(ctx context.Context) (Delivery, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			delivery := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return delivery, nil
		}
		if s.closed {
			closeErr := s.closeErr
			s.mu.Unlock()
			if closeErr == nil {
				closeErr = ErrSubscriptionClosed
			}
			return Delivery{}, closeErr
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return Delivery{}, ctx.Err()
		case <-s.wake:
		}
	}
}

// Events returns the subscription's lazy event sequence. The sequence ends
// without an error on graceful close or ctx cancellation, and yields the
// failure once when the close was caused by a lost connection. The
// subscription is released when the sequence ends, whichever way the
// consumer leaves it.
func (s *Subscription) Events(ctx context.Context) func(func(Delivery, error) bool) {
	return func(yield func(Delivery, error) bool) {
		defer s.Close()

		for {
			delivery, err := s.Next(ctx)
			if err != nil {
				if errors.Is(err, ErrSubscriptionClosed) ||
					errors.Is(err, context.Canceled) ||
					errors.Is(err, context.DeadlineExceeded) {
					return
				}
				yield(Delivery{}, err)
				return
			}
			if !yield(delivery, nil) {
				return
			}
		}
	}
}

// Close cancels the subscription and releases its place in the bus's
// subscriber list. Idempotent; safe on every exit path.
func (s *Subscription) Close() {
	s.closeWithReason(nil)
}

func (s *Subscription) closeWithReason(reason error) {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		s.closeErr = reason
	}
	s.mu.Unlock()

	s.signal()
	s.releaseOnce.Do(func() {
		if s.release != nil {
			s.release()
		}
	})
}

package broadcast

import (
	"sync"
	"sync/atomic"

	"github.com/Strob0t/forgeline/internal/domain/event"
	"github.com/oklog/ulid/v2"
)

// DefaultBuffer is used when a caller asks for a non-positive buffer.
const DefaultBuffer = 256

// Subscription is a bounded mailbox for one subscriber. When the mailbox is
// full the oldest undelivered event is dropped to make room.
type Subscription struct {
	ID        string
	ProjectID string

	mu      sync.Mutex
	ch      chan event.AgentEvent
	closed  bool
	dropped atomic.Int64
	onClose func()
	stop    func() bool
}

// NewSubscription creates an open mailbox. onClose runs once, after the
// mailbox is closed; it may be nil.
func NewSubscription(projectID string, buffer int, onClose func()) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Subscription{
		ID:        ulid.Make().String(),
		ProjectID: projectID,
		ch:        make(chan event.AgentEvent, buffer),
		onClose:   onClose,
	}
}

// C returns the receive side of the mailbox. It is closed with the
// subscription.
func (s *Subscription) C() <-chan event.AgentEvent { return s.ch }

// Deliver enqueues ev without blocking. It returns false once the
// subscription is closed.
func (s *Subscription) Deliver(ev event.AgentEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	for {
		select {
		case s.ch <- ev:
			return true
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

// Dropped returns how many events were discarded for this subscriber.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// CloseWith binds the subscription lifetime to a stop function returned by
// context.AfterFunc so that an early Close releases the watcher.
func (s *Subscription) CloseWith(stop func() bool) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		stop()
		return
	}
	s.stop = stop
	s.mu.Unlock()
}

// Close releases the subscription. It is safe to call more than once and
// from any goroutine.
func (s *Subscription) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.ch)
	stop, onClose := s.stop, s.onClose
	s.mu.Unlock()

	if stop != nil {
		stop()
	}
	if onClose != nil {
		onClose()
	}
}

// Closed reports whether Close has been called.
func (s *Subscription) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

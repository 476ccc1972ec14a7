package nats

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// Signal tells queue consumers in other processes that a job was enqueued.
// It implements jobstore.Notifier and jobstore.Waker.
type Signal struct {
	nc       *nats.Conn
	subjects Subjects
}

// NewSignal creates a signal on nc.
func NewSignal(nc *nats.Conn, prefix string) *Signal {
	return &Signal{nc: nc, subjects: Subjects{Prefix: prefix}}
}

// Notify announces an enqueue.
func (s *Signal) Notify(context.Context) error {
	if err := s.nc.Publish(s.subjects.Enqueued(), nil); err != nil {
		return fmt.Errorf("nats notify: %w", err)
	}
	return nil
}

// Wake returns a channel that receives after every announced enqueue, until
// ctx ends. Bursts coalesce into a single wake-up.
func (s *Signal) Wake(ctx context.Context) (<-chan struct{}, error) {
	out := make(chan struct{}, 1)
	ns, err := s.nc.Subscribe(s.subjects.Enqueued(), func(*nats.Msg) {
		select {
		case out <- struct{}{}:
		default:
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	if err := s.nc.FlushWithContext(ctx); err != nil {
		_ = ns.Unsubscribe()
		return nil, fmt.Errorf("nats flush: %w", err)
	}
	context.AfterFunc(ctx, func() { _ = ns.Unsubscribe() })
	return out, nil
}

package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/Strob0t/forgeline/internal/domain/event"
	"github.com/Strob0t/forgeline/internal/port/broadcast"
)

// Fanout delivers events to subscribers in every process connected to the
// same NATS server. Each subscription owns a NATS subscription whose
// callback feeds the bounded mailbox, so a slow reader only loses its own
// oldest events.
type Fanout struct {
	nc       *nats.Conn
	subjects Subjects

	mu     sync.Mutex
	subs   map[string]*broadcast.Subscription
	closed bool
}

// NewFanout creates a fanout on nc. The connection stays owned by the caller.
func NewFanout(nc *nats.Conn, prefix string) *Fanout {
	return &Fanout{
		nc:       nc,
		subjects: Subjects{Prefix: prefix},
		subs:     make(map[string]*broadcast.Subscription),
	}
}

// Publish sends ev to its project subject.
func (f *Fanout) Publish(_ context.Context, ev event.AgentEvent) error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return broadcast.ErrClosed
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := f.nc.Publish(f.subjects.Events(ev.ProjectID), data); err != nil {
		return fmt.Errorf("nats publish: %w", err)
	}
	return nil
}

// Subscribe opens a mailbox on projectID. It returns once the server has
// registered the interest, so events published afterwards are not missed.
func (f *Fanout) Subscribe(ctx context.Context, projectID string, buffer int) (*broadcast.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, broadcast.ErrClosed
	}

	var (
		sub *broadcast.Subscription
		ns  *nats.Subscription
	)
	sub = broadcast.NewSubscription(projectID, buffer, func() {
		if err := ns.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) && !errors.Is(err, nats.ErrBadSubscription) {
			slog.Debug("nats unsubscribe failed", "project_id", projectID, "error", err)
		}
		f.forget(sub.ID)
	})

	ns, err := f.nc.Subscribe(f.subjects.Events(projectID), func(m *nats.Msg) {
		var ev event.AgentEvent
		if err := json.Unmarshal(m.Data, &ev); err != nil {
			slog.Warn("dropping undecodable event", "subject", m.Subject, "error", err)
			return
		}
		sub.Deliver(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe: %w", err)
	}
	if err := f.nc.FlushWithContext(ctx); err != nil {
		_ = ns.Unsubscribe()
		return nil, fmt.Errorf("nats flush: %w", err)
	}

	f.subs[sub.ID] = sub
	sub.CloseWith(context.AfterFunc(ctx, sub.Close))
	return sub, nil
}

func (f *Fanout) forget(id string) {
	f.mu.Lock()
	delete(f.subs, id)
	f.mu.Unlock()
}

// Close ends every subscription opened by this fanout.
func (f *Fanout) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	all := make([]*broadcast.Subscription, 0, len(f.subs))
	for _, s := range f.subs {
		all = append(all, s)
	}
	f.mu.Unlock()

	for _, s := range all {
		s.Close()
	}
	return nil
}

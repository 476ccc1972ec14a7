package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/Strob0t/forgeline/internal/domain/event"
	"github.com/Strob0t/forgeline/internal/port/broadcast"
)

type topic struct {
	mu   sync.RWMutex
	subs map[string]*broadcast.Subscription
	dead bool
}

// Fanout delivers events to subscribers within this process. Each project
// has its own topic and lock, so publishing to one project never waits on
// another.
type Fanout struct {
	topics sync.Map // projectID -> *topic
	closed atomic.Bool
}

// NewFanout creates an empty fanout.
func NewFanout() *Fanout {
	return &Fanout{}
}

// Publish delivers ev to every subscriber of ev.ProjectID without blocking.
func (f *Fanout) Publish(_ context.Context, ev event.AgentEvent) error {
	if f.closed.Load() {
		return broadcast.ErrClosed
	}
	v, ok := f.topics.Load(ev.ProjectID)
	if !ok {
		return nil
	}
	t := v.(*topic)
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, s := range t.subs {
		s.Deliver(ev)
	}
	return nil
}

// Subscribe registers a bounded mailbox on projectID.
func (f *Fanout) Subscribe(ctx context.Context, projectID string, buffer int) (*broadcast.Subscription, error) {
	if f.closed.Load() {
		return nil, broadcast.ErrClosed
	}
	for {
		v, _ := f.topics.LoadOrStore(projectID, &topic{subs: make(map[string]*broadcast.Subscription)})
		t := v.(*topic)

		t.mu.Lock()
		if t.dead {
			t.mu.Unlock()
			continue
		}
		var sub *broadcast.Subscription
		sub = broadcast.NewSubscription(projectID, buffer, func() { f.remove(projectID, t, sub.ID) })
		t.subs[sub.ID] = sub
		t.mu.Unlock()

		sub.CloseWith(context.AfterFunc(ctx, sub.Close))
		return sub, nil
	}
}

// Subscribers returns the number of live subscribers of projectID.
func (f *Fanout) Subscribers(projectID string) int {
	v, ok := f.topics.Load(projectID)
	if !ok {
		return 0
	}
	t := v.(*topic)
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.subs)
}

// Close closes every subscription and rejects further use.
func (f *Fanout) Close() error {
	if !f.closed.CompareAndSwap(false, true) {
		return nil
	}
	var all []*broadcast.Subscription
	f.topics.Range(func(_, v any) bool {
		t := v.(*topic)
		t.mu.RLock()
		for _, s := range t.subs {
			all = append(all, s)
		}
		t.mu.RUnlock()
		return true
	})
	for _, s := range all {
		s.Close()
	}
	return nil
}

func (f *Fanout) remove(projectID string, t *topic, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, id)
	if len(t.subs) == 0 {
		t.dead = true
		f.topics.CompareAndDelete(projectID, t)
	}
}

// Package broadcast defines the port for fanning run events out to live
// per-project subscribers.
package broadcast

import (
	"context"
	"errors"

	"github.com/Strob0t/forgeline/internal/domain/event"
)

// ErrClosed is returned by Subscribe after the fanout has been shut down.
var ErrClosed = errors.New("broadcast: fanout closed")

// Fanout delivers events to every live subscriber of the event's project.
// Publish must never block on a slow subscriber.
type Fanout interface {
	Publish(ctx context.Context, ev event.AgentEvent) error
	// Subscribe opens a live stream for projectID. The subscription is
	// closed when ctx is cancelled, when Close is called, or when the
	// fanout shuts down.
	Subscribe(ctx context.Context, projectID string, buffer int) (*Subscription, error)
	Close() error
}

// Package nats carries run events and queue wake-ups between forgeline
// processes over core NATS subjects.
package nats

import (
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
)

// Connect dials url with reconnects enabled for the life of the process.
func Connect(url, name string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				slog.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			slog.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	slog.Info("nats connected", "url", nc.ConnectedUrl(), "name", name)
	return nc, nil
}

// Subjects names the subjects under one prefix.
type Subjects struct {
	Prefix string
}

// Events is the subject carrying projectID's events. Project ids are encoded
// so that dots and wildcards in them cannot change the subject hierarchy.
func (s Subjects) Events(projectID string) string {
	return s.Prefix + ".events." + base64.RawURLEncoding.EncodeToString([]byte(projectID))
}

// Enqueued is the subject announcing new jobs.
func (s Subjects) Enqueued() string {
	return s.Prefix + ".jobs.enqueued"
}

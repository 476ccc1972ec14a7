// Package natskv keeps shared state in NATS JetStream key-value buckets:
// the L2 idempotency cache and, optionally, the run replay logs.
package natskv

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// OpenBucket creates or updates a bucket that keeps only the latest
// revision of each key. Entries expire ttl after their last write.
func OpenBucket(ctx context.Context, nc *nats.Conn, name string, ttl time.Duration) (jetstream.KeyValue, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("jetstream init: %w", err)
	}
	kv, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  name,
		History: 1,
		TTL:     ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("kv bucket %s: %w", name, err)
	}
	slog.Info("nats kv bucket ready", "bucket", name, "ttl", ttl)
	return kv, nil
}

// encodeKey maps an arbitrary string onto the KV key alphabet.
func encodeKey(prefix, s string) string {
	return prefix + "." + base64.RawURLEncoding.EncodeToString([]byte(s))
}

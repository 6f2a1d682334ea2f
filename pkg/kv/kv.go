package kv

import (
	"context"
	"time"
)

// Message is a pub/sub notification delivered to subscribers.
type Message struct {
	Channel string
	Payload []byte
}

// KV is the shared low-latency mirror in front of the durable store. It is
// best-effort: the backend adapter treats every error here as degradation,
// never as data loss. A TTL of zero means no expiry.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
	// Keys returns the keys matching a glob pattern, e.g. "memory:episodic:*".
	Keys(ctx context.Context, pattern string) ([]string, error)

	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe delivers messages for the given channels until ctx is
	// cancelled. The returned channel is closed on teardown.
	Subscribe(ctx context.Context, channels ...string) (<-chan Message, error)

	Ping(ctx context.Context) error
	Close() error
}

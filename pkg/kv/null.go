package kv

import (
	"context"
	"time"

	"github.com/engramlabs/engram/pkg/errdefs"
)

// NullKV is the stand-in used when no shared mirror is configured. Reads
// miss, writes vanish, and pub/sub stays silent; the backend adapter then
// behaves as a single-instance durable-only deployment.
type NullKV struct{}

func (NullKV) Get(ctx context.Context, key string) ([]byte, error) {
	return nil, errdefs.NotFound("kv key %s", key)
}

func (NullKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}

func (NullKV) Del(ctx context.Context, keys ...string) error {
	return nil
}

func (NullKV) Keys(ctx context.Context, pattern string) ([]string, error) {
	return nil, nil
}

func (NullKV) Publish(ctx context.Context, channel string, payload []byte) error {
	return nil
}

func (NullKV) Subscribe(ctx context.Context, channels ...string) (<-chan Message, error) {
	ch := make(chan Message)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch, nil
}

func (NullKV) Ping(ctx context.Context) error {
	return nil
}

func (NullKV) Close() error {
	return nil
}

package kv

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/engramlabs/engram/pkg/errdefs"
	"github.com/engramlabs/engram/pkg/log"
)

// RedisConfig holds connection settings for the shared mirror.
type RedisConfig struct {
	Addr           string
	Password       string
	DB             int
	PoolSize       int
	ConnectTimeout time.Duration
}

// RedisKV implements KV on a Redis client.
type RedisKV struct {
	client *redis.Client
}

// NewRedisKV connects to Redis and verifies the connection with a ping. A
// failed ping is returned as Unhealthy so the caller can fall back to
// durable-only mode instead of aborting startup.
func NewRedisKV(cfg RedisConfig) (*RedisKV, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 50
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		DialTimeout: cfg.ConnectTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errdefs.Unhealthy("redis %s unreachable: %v", cfg.Addr, err)
	}

	logger := log.WithComponent("kv")
	logger.Info().Str("addr", cfg.Addr).Int("pool_size", cfg.PoolSize).Msg("connected to shared kv")
	return &RedisKV{client: client}, nil
}

func (r *RedisKV) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errdefs.NotFound("kv key %s", key)
	}
	if err != nil {
		return nil, errdefs.Unhealthy("kv get %s: %v", key, err)
	}
	return data, nil
}

func (r *RedisKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return errdefs.Unhealthy("kv set %s: %v", key, err)
	}
	return nil
}

func (r *RedisKV) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return errdefs.Unhealthy("kv del: %v", err)
	}
	return nil
}

func (r *RedisKV) Keys(ctx context.Context, pattern string) ([]string, error) {
	var out []string
	iter := r.client.Scan(ctx, 0, pattern, 0).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, errdefs.Unhealthy("kv scan %s: %v", pattern, err)
	}
	return out, nil
}

func (r *RedisKV) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return errdefs.Unhealthy("kv publish %s: %v", channel, err)
	}
	return nil
}

func (r *RedisKV) Subscribe(ctx context.Context, channels ...string) (<-chan Message, error) {
	sub := r.client.Subscribe(ctx, channels...)
	// Force the subscription handshake so a dead server fails fast.
	if _, err := sub.Receive(ctx); err != nil {
		sub.Close()
		return nil, errdefs.Unhealthy("kv subscribe: %v", err)
	}

	out := make(chan Message, 64)
	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				select {
				case out <- Message{Channel: msg.Channel, Payload: []byte(msg.Payload)}:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (r *RedisKV) Ping(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return errdefs.Unhealthy("kv ping: %v", err)
	}
	return nil
}

func (r *RedisKV) Close() error {
	return r.client.Close()
}

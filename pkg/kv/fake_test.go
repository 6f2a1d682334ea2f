package kv

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engramlabs/engram/pkg/errdefs"
)

func TestFakeSetGetDel(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	require.NoError(t, f.Set(ctx, "memory:episodic:1", []byte("v"), 0))

	got, err := f.Get(ctx, "memory:episodic:1")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), got)

	require.NoError(t, f.Del(ctx, "memory:episodic:1"))
	_, err = f.Get(ctx, "memory:episodic:1")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestFakeTTL(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	require.NoError(t, f.Set(ctx, "k", []byte("v"), time.Minute))

	_, err := f.Get(ctx, "k")
	require.NoError(t, err)

	f.Advance(2 * time.Minute)
	_, err = f.Get(ctx, "k")
	assert.True(t, errdefs.IsNotFound(err))
}

func TestFakeKeysPattern(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	require.NoError(t, f.Set(ctx, "memory:episodic:1", nil, 0))
	require.NoError(t, f.Set(ctx, "memory:episodic:2", nil, 0))
	require.NoError(t, f.Set(ctx, "memory:semantic:1", nil, 0))

	keys, err := f.Keys(ctx, "memory:episodic:*")
	require.NoError(t, err)
	assert.Equal(t, []string{"memory:episodic:1", "memory:episodic:2"}, keys)
}

func TestFakePubSub(t *testing.T) {
	f := NewFake()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := f.Subscribe(ctx, "agent:memory:episodic")
	require.NoError(t, err)

	require.NoError(t, f.Publish(ctx, "agent:memory:episodic", []byte(`{"op":"put"}`)))
	require.NoError(t, f.Publish(ctx, "agent:memory:semantic", []byte("ignored")))

	select {
	case msg := <-ch:
		assert.Equal(t, "agent:memory:episodic", msg.Channel)
		assert.Equal(t, []byte(`{"op":"put"}`), msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("no message delivered")
	}

	cancel()
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-ch:
			return !ok
		default:
			return false
		}
	}, time.Second, 5*time.Millisecond, "channel should close on context cancel")
}

func TestFakeUnhealthy(t *testing.T) {
	f := NewFake()
	ctx := context.Background()

	f.SetHealthy(false)

	err := f.Set(ctx, "k", nil, 0)
	assert.True(t, errdefs.IsUnhealthy(err))
	_, err = f.Get(ctx, "k")
	assert.True(t, errdefs.IsUnhealthy(err))
	assert.True(t, errdefs.IsUnhealthy(f.Ping(ctx)))

	f.SetHealthy(true)
	require.NoError(t, f.Ping(ctx))
}

package kv

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/engramlabs/engram/pkg/errdefs"
)

// Fake is an in-memory KV with the same visible semantics as RedisKV,
// including TTL expiry and pub/sub fan-out. Health can be toggled to
// exercise degradation paths; while unhealthy every operation fails with an
// Unhealthy error, as a partitioned Redis would.
type Fake struct {
	mu     sync.Mutex
	data   map[string]fakeEntry
	subs   map[int]*fakeSub
	nextID int
	down   bool
	now    func() time.Time
}

type fakeEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

type fakeSub struct {
	channels map[string]bool
	ch       chan Message
}

// NewFake creates a healthy empty fake.
func NewFake() *Fake {
	return &Fake{
		data: make(map[string]fakeEntry),
		subs: make(map[int]*fakeSub),
		now:  time.Now,
	}
}

// SetHealthy flips the simulated connection state.
func (f *Fake) SetHealthy(healthy bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down = !healthy
}

// Advance moves the fake's clock forward, expiring entries on next access.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	base := f.now()
	f.now = func() time.Time { return base.Add(d) }
}

func (f *Fake) Get(ctx context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, errdefs.Unhealthy("kv get %s: connection refused", key)
	}
	e, ok := f.data[key]
	if !ok || (!e.expiresAt.IsZero() && !f.now().Before(e.expiresAt)) {
		delete(f.data, key)
		return nil, errdefs.NotFound("kv key %s", key)
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (f *Fake) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errdefs.Unhealthy("kv set %s: connection refused", key)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	e := fakeEntry{value: cp}
	if ttl > 0 {
		e.expiresAt = f.now().Add(ttl)
	}
	f.data[key] = e
	return nil
}

func (f *Fake) Del(ctx context.Context, keys ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errdefs.Unhealthy("kv del: connection refused")
	}
	for _, k := range keys {
		delete(f.data, k)
	}
	return nil
}

func (f *Fake) Keys(ctx context.Context, pattern string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return nil, errdefs.Unhealthy("kv keys: connection refused")
	}
	var out []string
	for k, e := range f.data {
		if !e.expiresAt.IsZero() && !f.now().Before(e.expiresAt) {
			continue
		}
		if ok, _ := path.Match(pattern, k); ok {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (f *Fake) Publish(ctx context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errdefs.Unhealthy("kv publish %s: connection refused", channel)
	}
	cp := make([]byte, len(payload))
	copy(cp, payload)
	for _, sub := range f.subs {
		if !sub.channels[channel] {
			continue
		}
		select {
		case sub.ch <- Message{Channel: channel, Payload: cp}:
		default:
			// Slow subscriber; drop, as Redis pub/sub would under pressure.
		}
	}
	return nil
}

func (f *Fake) Subscribe(ctx context.Context, channels ...string) (<-chan Message, error) {
	f.mu.Lock()
	if f.down {
		f.mu.Unlock()
		return nil, errdefs.Unhealthy("kv subscribe: connection refused")
	}
	set := make(map[string]bool, len(channels))
	for _, c := range channels {
		set[c] = true
	}
	sub := &fakeSub{channels: set, ch: make(chan Message, 64)}
	f.nextID++
	id := f.nextID
	f.subs[id] = sub
	f.mu.Unlock()

	go func() {
		<-ctx.Done()
		f.mu.Lock()
		delete(f.subs, id)
		f.mu.Unlock()
		close(sub.ch)
	}()
	return sub.ch, nil
}

func (f *Fake) Ping(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.down {
		return errdefs.Unhealthy("kv ping: connection refused")
	}
	return nil
}

func (f *Fake) Close() error {
	return nil
}

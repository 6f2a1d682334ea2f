package backend

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/engramlabs/engram/pkg/cache"
	"github.com/engramlabs/engram/pkg/codec"
	"github.com/engramlabs/engram/pkg/errdefs"
	"github.com/engramlabs/engram/pkg/events"
	"github.com/engramlabs/engram/pkg/kv"
	"github.com/engramlabs/engram/pkg/log"
	"github.com/engramlabs/engram/pkg/metrics"
	"github.com/engramlabs/engram/pkg/storage"
)

// Config tunes one adapter instance.
type Config struct {
	// InstanceID identifies this process on the bus so its own notices are
	// ignored on receipt.
	InstanceID string
	// UnhealthyThreshold is the number of consecutive shared-KV failures
	// that flips the adapter to durable-only mode.
	UnhealthyThreshold int
	// CacheSize and CacheTTL bound the in-memory read cache.
	CacheSize int
	CacheTTL  time.Duration
	// TTLs are the per-tier shared-KV expirations.
	TTLs map[Tier]time.Duration
}

type binding struct {
	store  storage.Store
	bucket string
}

// Adapter is the dual-write storage layer beneath every memory tier. Writes
// land in the durable store first (the caller already holds the tier's write
// lock), then mirror best-effort into the shared KV and publish a change
// notice; neither mirror nor publish failure ever fails the caller. Reads
// consult the TTL cache, then the shared KV while it is healthy, then the
// durable store, repopulating the faster layers on the way out.
//
// After UnhealthyThreshold consecutive shared-KV failures the adapter
// declares the mirror unhealthy and serves durable-only while a background
// probe pings with exponential backoff until the mirror recovers.
type Adapter struct {
	cfg    Config
	shared kv.KV
	codec  *codec.Codec
	cache  *cache.Cache
	broker *events.Broker
	logger zerolog.Logger

	mu       sync.Mutex
	bindings map[Tier]binding
	fails    int
	down     bool
	probing  bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an adapter over the given shared KV. Pass kv.NullKV{} for a
// durable-only deployment.
func New(cfg Config, shared kv.KV, c *codec.Codec, broker *events.Broker) *Adapter {
	if cfg.UnhealthyThreshold <= 0 {
		cfg.UnhealthyThreshold = 3
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 100
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	return &Adapter{
		cfg:      cfg,
		shared:   shared,
		codec:    c,
		cache:    cache.New("backend", cfg.CacheSize, cfg.CacheTTL),
		broker:   broker,
		logger:   log.WithComponent("backend"),
		bindings: make(map[Tier]binding),
	}
}

// Bind attaches a durable store and bucket to a tier. Must be called before
// Start for every tier the adapter will serve.
func (a *Adapter) Bind(tier Tier, store storage.Store, bucket string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bindings[tier] = binding{store: store, bucket: bucket}
}

// Start launches the bus listener. Safe to call once.
func (a *Adapter) Start(ctx context.Context) {
	a.ctx, a.cancel = context.WithCancel(ctx)
	metrics.BackendHealthy.Set(1)

	a.wg.Add(1)
	go a.listen()
}

// Stop tears down the listener and probe goroutines.
func (a *Adapter) Stop() {
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
}

// Healthy reports whether the shared mirror is currently in service.
func (a *Adapter) Healthy() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.down
}

func (a *Adapter) binding(tier Tier) (binding, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	b, ok := a.bindings[tier]
	if !ok {
		return binding{}, errdefs.Internal("no durable store bound for tier %s", tier)
	}
	return b, nil
}

func (a *Adapter) ttl(tier Tier) time.Duration {
	return a.cfg.TTLs[tier]
}

// Put encodes and writes a record: durable first, then best-effort mirror
// and change notice. The caller holds the tier's write lock.
func (a *Adapter) Put(ctx context.Context, tier Tier, id string, record any, op Op) error {
	b, err := a.binding(tier)
	if err != nil {
		return err
	}
	data, err := a.codec.Marshal(record)
	if err != nil {
		return err
	}

	if err := b.store.Put(b.bucket, id, data); err != nil {
		return err
	}
	metrics.BackendWritesTotal.WithLabelValues(string(tier)).Inc()

	key := keyFor(tier, id)
	a.cache.Set(key, data)
	a.mirror(ctx, tier, key, data)
	a.publish(ctx, tier, id, op)
	a.emitLocal(tier, id, op, "")
	return nil
}

// Get reads a record through cache, shared KV, then durable store.
func (a *Adapter) Get(ctx context.Context, tier Tier, id string, out any) error {
	key := keyFor(tier, id)
	if data, ok := a.cache.Get(key); ok {
		return a.codec.Unmarshal(data.([]byte), out)
	}

	if a.Healthy() {
		data, err := a.shared.Get(ctx, key)
		switch {
		case err == nil:
			a.recordKVSuccess()
			a.cache.Set(key, data)
			return a.codec.Unmarshal(data, out)
		case errdefs.IsNotFound(err):
			a.recordKVSuccess()
		default:
			a.recordKVFailure("get", err)
		}
	}

	b, err := a.binding(tier)
	if err != nil {
		return err
	}
	data, err := b.store.Get(b.bucket, id)
	if err != nil {
		return err
	}
	a.cache.Set(key, data)
	a.mirror(ctx, tier, key, data)
	return a.codec.Unmarshal(data, out)
}

// Delete removes a record everywhere and notifies peers.
func (a *Adapter) Delete(ctx context.Context, tier Tier, id string) error {
	b, err := a.binding(tier)
	if err != nil {
		return err
	}
	if err := b.store.Delete(b.bucket, id); err != nil {
		return err
	}

	key := keyFor(tier, id)
	a.cache.Invalidate(key)
	if a.Healthy() {
		if err := a.shared.Del(ctx, key); err != nil {
			a.recordKVFailure("del", err)
		}
	}
	a.publish(ctx, tier, id, OpDeleted)
	a.emitLocal(tier, id, OpDeleted, "")
	return nil
}

// Scan iterates every durable record of a tier in ascending key order,
// handing fn the raw encoded payload. Decode with Decode.
func (a *Adapter) Scan(tier Tier, fn func(id string, data []byte) error) error {
	b, err := a.binding(tier)
	if err != nil {
		return err
	}
	return b.store.Scan(b.bucket, fn)
}

// Count returns the number of durable records in a tier.
func (a *Adapter) Count(tier Tier) (int, error) {
	b, err := a.binding(tier)
	if err != nil {
		return 0, err
	}
	return b.store.Count(b.bucket)
}

// Decode decodes a payload produced by Put.
func (a *Adapter) Decode(data []byte, out any) error {
	return a.codec.Unmarshal(data, out)
}

// SetAlias stores a small lookaside mapping (e.g. skill name to id) in the
// cache and, best-effort, the shared KV.
func (a *Adapter) SetAlias(ctx context.Context, key, value string, ttl time.Duration) {
	a.cache.Set(key, []byte(value))
	if a.Healthy() {
		if err := a.shared.Set(ctx, key, []byte(value), ttl); err != nil {
			a.recordKVFailure("set", err)
		}
	}
}

// GetAlias resolves a lookaside mapping. A miss is not an error; callers
// fall back to a durable scan.
func (a *Adapter) GetAlias(ctx context.Context, key string) (string, bool) {
	if v, ok := a.cache.Get(key); ok {
		return string(v.([]byte)), true
	}
	if a.Healthy() {
		data, err := a.shared.Get(ctx, key)
		if err == nil {
			a.recordKVSuccess()
			a.cache.Set(key, data)
			return string(data), true
		}
		if !errdefs.IsNotFound(err) {
			a.recordKVFailure("get", err)
		}
	}
	return "", false
}

// DelAlias drops a lookaside mapping.
func (a *Adapter) DelAlias(ctx context.Context, key string) {
	a.cache.Invalidate(key)
	if a.Healthy() {
		if err := a.shared.Del(ctx, key); err != nil {
			a.recordKVFailure("del", err)
		}
	}
}

// Mirror pushes an ephemeral record (session, working step) into the shared
// KV only. Best effort; in-memory state remains authoritative.
func (a *Adapter) Mirror(ctx context.Context, key string, record any, ttl time.Duration) {
	data, err := a.codec.Marshal(record)
	if err != nil {
		a.logger.Warn().Str("key", key).Err(err).Msg("mirror encode failed")
		return
	}
	if a.Healthy() {
		if err := a.shared.Set(ctx, key, data, ttl); err != nil {
			a.recordKVFailure("set", err)
		}
	}
}

// Unmirror drops an ephemeral record from the shared KV.
func (a *Adapter) Unmirror(ctx context.Context, key string) {
	if a.Healthy() {
		if err := a.shared.Del(ctx, key); err != nil {
			a.recordKVFailure("del", err)
		}
	}
}

// InvalidateCache drops local cache entries without touching the KV. Used by
// stores after in-place stat updates.
func (a *Adapter) InvalidateCache(keys ...string) {
	for _, k := range keys {
		a.cache.Invalidate(k)
	}
}

func (a *Adapter) mirror(ctx context.Context, tier Tier, key string, data []byte) {
	if !a.Healthy() {
		return
	}
	if err := a.shared.Set(ctx, key, data, a.ttl(tier)); err != nil {
		metrics.BackendMirrorFailuresTotal.WithLabelValues(string(tier)).Inc()
		a.logger.Warn().Str("key", key).Err(err).Msg("shared kv mirror failed")
		a.recordKVFailure("set", err)
		return
	}
	a.recordKVSuccess()
}

func (a *Adapter) publish(ctx context.Context, tier Tier, id string, op Op) {
	if !a.Healthy() {
		return
	}
	payload, err := json.Marshal(Notice{Op: op, ID: id, SourceInstance: a.cfg.InstanceID})
	if err != nil {
		return
	}
	if err := a.shared.Publish(ctx, Channel(tier), payload); err != nil {
		metrics.BackendPublishFailuresTotal.WithLabelValues(string(tier)).Inc()
		a.logger.Warn().Str("channel", Channel(tier)).Err(err).Msg("bus publish failed")
		a.recordKVFailure("publish", err)
	}
}

func (a *Adapter) emitLocal(tier Tier, id string, op Op, source string) {
	if a.broker == nil {
		return
	}
	t, ok := eventType(tier, op)
	if !ok {
		return
	}
	a.broker.Publish(&events.Event{Type: t, ID: id, Source: source})
}

func eventType(tier Tier, op Op) (events.EventType, bool) {
	switch tier {
	case TierEpisodic:
		switch op {
		case OpAdded:
			return events.EventEpisodeAdded, true
		case OpUpdated:
			return events.EventEpisodeUpdated, true
		case OpDeleted:
			return events.EventEpisodeDeleted, true
		}
	case TierSemantic:
		switch op {
		case OpAdded:
			return events.EventPatternAdded, true
		case OpUpdated:
			return events.EventPatternUpdated, true
		case OpDeleted:
			return events.EventPatternDeleted, true
		}
	case TierSkill:
		switch op {
		case OpAdded:
			return events.EventSkillAdded, true
		case OpUpdated, OpDeleted:
			return events.EventSkillUpdated, true
		}
	}
	return "", false
}

// listen consumes peer notices and invalidates affected cache entries.
// Subscription failures retry with backoff until shutdown.
func (a *Adapter) listen() {
	defer a.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 10 * time.Second
	bo.MaxElapsedTime = 0

	for {
		msgs, err := a.shared.Subscribe(a.ctx, Channels()...)
		if err != nil {
			a.recordKVFailure("subscribe", err)
			select {
			case <-time.After(bo.NextBackOff()):
				continue
			case <-a.ctx.Done():
				return
			}
		}
		bo.Reset()

		for msg := range msgs {
			a.handleNotice(msg)
		}
		// Channel closed: either shutdown or connection loss.
		select {
		case <-a.ctx.Done():
			return
		default:
		}
	}
}

func (a *Adapter) handleNotice(msg kv.Message) {
	var n Notice
	if err := json.Unmarshal(msg.Payload, &n); err != nil {
		a.logger.Warn().Str("channel", msg.Channel).Err(err).Msg("malformed bus notice")
		return
	}
	if n.SourceInstance == a.cfg.InstanceID {
		return
	}

	var tier Tier
	switch msg.Channel {
	case Channel(TierEpisodic):
		tier = TierEpisodic
	case Channel(TierSemantic):
		tier = TierSemantic
	case Channel(TierSkill):
		tier = TierSkill
	default:
		return
	}

	a.cache.Invalidate(keyFor(tier, n.ID))
	if tier == TierSkill {
		// Name aliases may point at the changed skill; drop them all.
		a.cache.InvalidatePrefix("skill:name:")
	}
	a.emitLocal(tier, n.ID, n.Op, n.SourceInstance)
}

func (a *Adapter) recordKVSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fails = 0
}

func (a *Adapter) recordKVFailure(op string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.fails++
	if a.down || a.fails < a.cfg.UnhealthyThreshold {
		return
	}
	a.down = true
	metrics.BackendHealthy.Set(0)
	metrics.UpdateComponent("shared_kv", false, err.Error())
	a.logger.Warn().
		Str("op", op).
		Int("consecutive_failures", a.fails).
		Err(err).
		Msg("shared kv marked unhealthy, serving durable-only")

	if !a.probing && a.ctx != nil {
		a.probing = true
		a.wg.Add(1)
		go a.probe()
	}
}

// probe pings the shared KV with exponential backoff until it answers, then
// restores the mirror to service.
func (a *Adapter) probe() {
	defer a.wg.Done()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 250 * time.Millisecond
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0

	for {
		select {
		case <-time.After(bo.NextBackOff()):
		case <-a.ctx.Done():
			a.mu.Lock()
			a.probing = false
			a.mu.Unlock()
			return
		}

		ctx, cancel := context.WithTimeout(a.ctx, 5*time.Second)
		err := a.shared.Ping(ctx)
		cancel()
		if err != nil {
			continue
		}

		a.mu.Lock()
		a.down = false
		a.fails = 0
		a.probing = false
		a.mu.Unlock()
		metrics.BackendHealthy.Set(1)
		metrics.UpdateComponent("shared_kv", true, "recovered")
		a.logger.Info().Msg("shared kv recovered, mirror back in service")
		return
	}
}

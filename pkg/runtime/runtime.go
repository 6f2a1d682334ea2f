// Package runtime assembles one Engram process from configuration: lock
// manager, durable stores, shared KV, backend adapter, memory tiers, skill
// library, and consolidator, with a Start/Stop lifecycle and no package
// singletons.
package runtime

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/engramlabs/engram/pkg/backend"
	"github.com/engramlabs/engram/pkg/codec"
	"github.com/engramlabs/engram/pkg/config"
	"github.com/engramlabs/engram/pkg/consolidator"
	"github.com/engramlabs/engram/pkg/events"
	"github.com/engramlabs/engram/pkg/index"
	"github.com/engramlabs/engram/pkg/kv"
	"github.com/engramlabs/engram/pkg/locking"
	"github.com/engramlabs/engram/pkg/log"
	"github.com/engramlabs/engram/pkg/memory"
	"github.com/engramlabs/engram/pkg/metrics"
	"github.com/engramlabs/engram/pkg/skills"
	"github.com/engramlabs/engram/pkg/storage"
)

// Runtime owns every long-lived component of one Engram process: the lock
// manager, the durable stores, the backend adapter, the memory tiers, the
// skill library, and the consolidator. There are no package singletons; each
// Runtime is fully independent, so tests build a fresh one per case.
type Runtime struct {
	Config *config.Config

	Locks        *locking.Manager
	Shared       kv.KV
	Adapter      *backend.Adapter
	Broker       *events.Broker
	Sessions     *memory.SessionManager
	Episodic     *memory.EpisodicStore
	Semantic     *memory.SemanticStore
	Skills       *skills.Library
	Memory       *memory.Architecture
	Consolidator *consolidator.Consolidator

	skillStore *skills.Store
	stores     []storage.Store
	logger     zerolog.Logger
}

// New builds a runtime from configuration. Nothing starts running until
// Start; a failed build closes whatever it had opened.
func New(cfg *config.Config) (*Runtime, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	instanceID := cfg.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}

	r := &Runtime{
		Config: cfg,
		logger: log.WithComponent("runtime"),
	}

	lockCfg := locking.ManagerConfig{
		LockDir:           filepath.Join(cfg.DataDir, "locks"),
		ReadTimeout:       cfg.RWReadTimeout,
		WriteTimeout:      cfg.RWWriteTimeout,
		ProcessTimeout:    cfg.ProcessLockTimeout,
		StaleThreshold:    cfg.StaleLockThreshold,
		LongWaitThreshold: cfg.LongWaitThreshold,
	}
	r.Locks = locking.NewManager(lockCfg)
	metrics.RegisterComponent("locks", true, "ready")

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, err
	}

	episodicDB, err := storage.NewBoltStore(filepath.Join(cfg.DataDir, "episodic.db"))
	if err != nil {
		return nil, err
	}
	r.stores = append(r.stores, episodicDB)

	semanticDB, err := storage.NewBoltStore(filepath.Join(cfg.DataDir, "semantic.db"))
	if err != nil {
		r.closeStores()
		return nil, err
	}
	r.stores = append(r.stores, semanticDB)

	skillDB, err := storage.NewBoltStore(filepath.Join(cfg.DataDir, "skill.db"))
	if err != nil {
		r.closeStores()
		return nil, err
	}
	r.stores = append(r.stores, skillDB)
	metrics.RegisterComponent("durable", true, "open")

	if cfg.Redis.Addr == "" {
		r.Shared = kv.NullKV{}
		metrics.RegisterComponent("shared_kv", true, "disabled")
	} else {
		shared, err := kv.NewRedisKV(kv.RedisConfig{
			Addr:           cfg.Redis.Addr,
			Password:       cfg.Redis.Password,
			DB:             cfg.Redis.DB,
			PoolSize:       cfg.Redis.PoolSize,
			ConnectTimeout: cfg.Redis.ConnectTimeout,
		})
		if err != nil {
			r.closeStores()
			return nil, err
		}
		r.Shared = shared
		metrics.RegisterComponent("shared_kv", true, "connected")
	}

	r.Broker = events.NewBroker()

	c := codec.New(
		codec.WithThreshold(cfg.CompressionThreshold),
		codec.WithMaxPayload(cfg.MaxPayloadBytes),
	)

	r.Adapter = backend.New(backend.Config{
		InstanceID:         instanceID,
		UnhealthyThreshold: cfg.UnhealthyFailThreshold,
		CacheSize:          cfg.CacheSize,
		CacheTTL:           cfg.CacheTTL,
		TTLs: map[backend.Tier]time.Duration{
			backend.TierWorking:  cfg.TTL.Working,
			backend.TierEpisodic: cfg.TTL.Episodic,
			backend.TierSemantic: cfg.TTL.Semantic,
			backend.TierSkill:    cfg.TTL.Skill,
			backend.TierSession:  cfg.TTL.Session,
		},
	}, r.Shared, c, r.Broker)
	r.Adapter.Bind(backend.TierEpisodic, episodicDB, storage.BucketEpisodes)
	r.Adapter.Bind(backend.TierSemantic, semanticDB, storage.BucketPatterns)
	r.Adapter.Bind(backend.TierSkill, skillDB, storage.BucketSkills)

	scorer := memory.NewScorer(cfg.ScoreWeights, cfg.RecencyTau)
	r.Episodic = memory.NewEpisodicStore(r.Adapter, r.Locks, index.NewKeywordIndex(), scorer, cfg.MaxQueryLimit)
	r.Semantic = memory.NewSemanticStore(r.Adapter, r.Locks, index.NewKeywordIndex(), cfg.ReinforceRate, cfg.MaxQueryLimit)
	r.Sessions = memory.NewSessionManager(cfg.WorkingCapacity, cfg.SessionTTL, r.Adapter, r.Broker)

	r.skillStore = skills.NewStore(r.Adapter, r.Locks, index.NewKeywordIndex(), skillDB, cfg.TTL.Skill, cfg.MaxQueryLimit)
	history := skills.NewHistoryLog(filepath.Join(cfg.DataDir, "skills_history"), r.Locks)
	r.Skills = skills.NewLibrary(r.skillStore, skills.NewRegistry(), history, cfg.MaxBatchConcurrency)

	r.Memory = memory.NewArchitecture(r.Sessions, r.Episodic, r.Semantic, r.Skills)

	r.Consolidator = consolidator.New(consolidator.Config{
		Interval:           cfg.ConsolidationInterval,
		DuplicateThreshold: cfg.DuplicateThreshold,
		SampleLimit:        cfg.MaxQueryLimit,
		DecayWindow:        cfg.DecayWindow,
		DecayFactor:        cfg.DecayFactor,
	}, r.Episodic, r.Semantic)

	return r, nil
}

// Start brings the runtime online: rebuilds retrieval indexes from durable
// state, then launches the bus listener, the session sweeper, and the
// consolidation worker.
func (r *Runtime) Start(ctx context.Context) error {
	if err := r.Episodic.Reindex(ctx); err != nil {
		return err
	}
	if err := r.Semantic.Reindex(ctx); err != nil {
		return err
	}
	if err := r.skillStore.Reindex(ctx); err != nil {
		return err
	}

	r.Broker.Start()
	r.Adapter.Start(ctx)
	r.Sessions.Start(ctx)
	r.Consolidator.Start(ctx)

	metrics.RegisterComponent("runtime", true, "started")
	r.logger.Info().Str("data_dir", r.Config.DataDir).Msg("runtime started")
	return nil
}

// Stop shuts everything down in reverse dependency order. Safe to call after
// a failed Start.
func (r *Runtime) Stop() {
	if r.Consolidator != nil {
		r.Consolidator.Stop()
	}
	if r.Sessions != nil {
		r.Sessions.Stop()
	}
	if r.Adapter != nil {
		r.Adapter.Stop()
	}
	if r.Broker != nil {
		r.Broker.Stop()
	}
	if r.Shared != nil {
		if err := r.Shared.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("shared kv close failed")
		}
	}
	r.closeStores()
	r.logger.Info().Msg("runtime stopped")
}

func (r *Runtime) closeStores() {
	for _, s := range r.stores {
		if err := s.Close(); err != nil {
			r.logger.Warn().Err(err).Msg("store close failed")
		}
	}
	r.stores = nil
}

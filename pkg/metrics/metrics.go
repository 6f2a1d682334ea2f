// Package metrics exposes Prometheus collectors for locks, caches, the
// backend adapter, skill execution, and consolidation, plus the component
// health registry served over HTTP.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Lock metrics
	LockAcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_lock_acquisitions_total",
			Help: "Total number of lock acquisitions by resource and kind",
		},
		[]string{"resource", "kind"},
	)

	LockTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_lock_timeouts_total",
			Help: "Total number of lock acquisition timeouts by resource and kind",
		},
		[]string{"resource", "kind"},
	)

	LockWaitDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engram_lock_wait_duration_seconds",
			Help:    "Time spent waiting for a lock in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"resource", "kind"},
	)

	LockHoldDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "engram_lock_hold_duration_seconds",
			Help:    "Time a lock was held in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"resource", "kind"},
	)

	// Cache metrics
	CacheHitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_cache_hits_total",
			Help: "Total number of cache hits by cache name",
		},
		[]string{"cache"},
	)

	CacheMissesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_cache_misses_total",
			Help: "Total number of cache misses by cache name",
		},
		[]string{"cache"},
	)

	CacheEvictionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_cache_evictions_total",
			Help: "Total number of cache evictions by cache name and reason",
		},
		[]string{"cache", "reason"},
	)

	// Backend metrics
	BackendWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_backend_writes_total",
			Help: "Total number of durable writes by tier",
		},
		[]string{"tier"},
	)

	BackendMirrorFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_backend_mirror_failures_total",
			Help: "Total number of best-effort shared-KV mirror failures by tier",
		},
		[]string{"tier"},
	)

	BackendPublishFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_backend_publish_failures_total",
			Help: "Total number of pub/sub publish failures by channel",
		},
		[]string{"channel"},
	)

	BackendHealthy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engram_backend_shared_healthy",
			Help: "Whether the shared KV backend is healthy (1 = healthy, 0 = down)",
		},
	)

	IndexFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_index_failures_total",
			Help: "Total number of best-effort retrieval index failures by store",
		},
		[]string{"store"},
	)

	// Memory metrics
	EpisodesTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engram_episodes_total",
			Help: "Total number of stored episodes",
		},
	)

	PatternsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engram_semantic_patterns_total",
			Help: "Total number of stored semantic patterns",
		},
	)

	SkillsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "engram_skills_total",
			Help: "Total number of stored skills by status",
		},
		[]string{"status"},
	)

	SessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engram_sessions_active",
			Help: "Number of live working-memory sessions",
		},
	)

	// Skill execution metrics
	SkillExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engram_skill_executions_total",
			Help: "Total number of skill executions by outcome",
		},
		[]string{"outcome"},
	)

	SkillExecutionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "engram_skill_execution_duration_seconds",
			Help:    "Skill execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Consolidation metrics
	ConsolidationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engram_consolidation_cycles_total",
			Help: "Total number of completed consolidation cycles",
		},
	)

	ConsolidationSkippedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engram_consolidation_skipped_total",
			Help: "Total number of consolidation runs skipped because a run was in flight",
		},
	)

	ConsolidationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "engram_consolidation_duration_seconds",
			Help:    "Consolidation cycle duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	PatternsPromotedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engram_patterns_promoted_total",
			Help: "Total number of semantic patterns created or reinforced by consolidation",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(LockAcquisitionsTotal)
	prometheus.MustRegister(LockTimeoutsTotal)
	prometheus.MustRegister(LockWaitDuration)
	prometheus.MustRegister(LockHoldDuration)
	prometheus.MustRegister(CacheHitsTotal)
	prometheus.MustRegister(CacheMissesTotal)
	prometheus.MustRegister(CacheEvictionsTotal)
	prometheus.MustRegister(BackendWritesTotal)
	prometheus.MustRegister(BackendMirrorFailuresTotal)
	prometheus.MustRegister(BackendPublishFailuresTotal)
	prometheus.MustRegister(BackendHealthy)
	prometheus.MustRegister(IndexFailuresTotal)
	prometheus.MustRegister(EpisodesTotal)
	prometheus.MustRegister(PatternsTotal)
	prometheus.MustRegister(SkillsTotal)
	prometheus.MustRegister(SessionsActive)
	prometheus.MustRegister(SkillExecutionsTotal)
	prometheus.MustRegister(SkillExecutionDuration)
	prometheus.MustRegister(ConsolidationCyclesTotal)
	prometheus.MustRegister(ConsolidationSkippedTotal)
	prometheus.MustRegister(ConsolidationDuration)
	prometheus.MustRegister(PatternsPromotedTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Package config holds Engram's closed set of tuning options with YAML
// loading, documented defaults, and validation.
package config

import (
	"fmt"
	"math"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ScoreWeights are the episode scoring weights. They must sum to 1.
type ScoreWeights struct {
	Success    float64 `yaml:"success"`
	Importance float64 `yaml:"importance"`
	Recency    float64 `yaml:"recency"`
	Utility    float64 `yaml:"utility"`
}

// TTLs holds the per-tier shared-KV expirations.
type TTLs struct {
	Working  time.Duration `yaml:"working"`
	Episodic time.Duration `yaml:"episodic"`
	Semantic time.Duration `yaml:"semantic"`
	Skill    time.Duration `yaml:"skill"`
	Session  time.Duration `yaml:"session"`
}

// Redis holds shared KV connection settings. An empty Addr disables the
// shared backend entirely; the adapter then runs durable-only.
type Redis struct {
	Addr           string        `yaml:"addr"`
	Password       string        `yaml:"password"`
	DB             int           `yaml:"db"`
	PoolSize       int           `yaml:"pool_size"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// Config is the closed set of Engram tuning options.
type Config struct {
	DataDir string `yaml:"data_dir"`

	WorkingCapacity      int           `yaml:"working_capacity"`
	CacheSize            int           `yaml:"cache_size"`
	CacheTTL             time.Duration `yaml:"cache_ttl"`
	CompressionThreshold int           `yaml:"compression_threshold_bytes"`
	MaxPayloadBytes      int           `yaml:"max_payload_bytes"`

	RWReadTimeout      time.Duration `yaml:"rw_read_timeout"`
	RWWriteTimeout     time.Duration `yaml:"rw_write_timeout"`
	ProcessLockTimeout time.Duration `yaml:"process_lock_timeout"`
	StaleLockThreshold time.Duration `yaml:"stale_lock_threshold"`
	LongWaitThreshold  time.Duration `yaml:"long_wait_threshold"`

	ConsolidationInterval time.Duration `yaml:"consolidation_interval"`
	DuplicateThreshold    float64       `yaml:"duplicate_threshold"`
	DecayWindow           time.Duration `yaml:"decay_window"`
	DecayFactor           float64       `yaml:"decay_factor"`

	UnhealthyFailThreshold int `yaml:"unhealthy_fail_threshold"`

	SessionTTL time.Duration `yaml:"session_ttl"`

	MaxQueryLimit       int `yaml:"max_query_limit"`
	MaxBatchConcurrency int `yaml:"max_batch_concurrency"`

	ScoreWeights  ScoreWeights  `yaml:"score_weights"`
	RecencyTau    time.Duration `yaml:"recency_tau"`
	ReinforceRate float64       `yaml:"reinforce_rate"`

	TTL   TTLs  `yaml:"ttl"`
	Redis Redis `yaml:"redis"`

	LogLevel   string `yaml:"log_level"`
	LogJSON    bool   `yaml:"log_json"`
	HTTPAddr   string `yaml:"http_addr"`
	InstanceID string `yaml:"instance_id"`
}

// Default returns the configuration with every option at its documented
// default.
func Default() *Config {
	return &Config{
		DataDir: "memory",

		WorkingCapacity:      50,
		CacheSize:            100,
		CacheTTL:             time.Hour,
		CompressionThreshold: 1024,
		MaxPayloadBytes:      16 * 1024 * 1024,

		RWReadTimeout:      10 * time.Second,
		RWWriteTimeout:     30 * time.Second,
		ProcessLockTimeout: 60 * time.Second,
		StaleLockThreshold: 5 * time.Minute,
		LongWaitThreshold:  5 * time.Minute,

		ConsolidationInterval: 300 * time.Second,
		DuplicateThreshold:    0.9,
		DecayWindow:           60 * 24 * time.Hour,
		DecayFactor:           0.95,

		UnhealthyFailThreshold: 3,

		SessionTTL: time.Hour,

		MaxQueryLimit:       100,
		MaxBatchConcurrency: 10,

		ScoreWeights: ScoreWeights{
			Success:    0.4,
			Importance: 0.3,
			Recency:    0.2,
			Utility:    0.1,
		},
		RecencyTau:    30 * 24 * time.Hour,
		ReinforceRate: 0.3,

		TTL: TTLs{
			Working:  time.Hour,
			Episodic: 30 * 24 * time.Hour,
			Semantic: 90 * 24 * time.Hour,
			Skill:    180 * 24 * time.Hour,
			Session:  time.Hour,
		},
		Redis: Redis{
			PoolSize:       50,
			ConnectTimeout: 5 * time.Second,
		},

		LogLevel: "info",
		HTTPAddr: ":9420",
	}
}

// Load reads a YAML configuration file over the defaults. A missing file is
// not an error; the defaults are returned unchanged.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations that violate documented constraints.
func (c *Config) Validate() error {
	if c.WorkingCapacity <= 0 {
		return fmt.Errorf("working_capacity must be positive, got %d", c.WorkingCapacity)
	}
	if c.CacheSize <= 0 {
		return fmt.Errorf("cache_size must be positive, got %d", c.CacheSize)
	}
	if c.MaxPayloadBytes <= 0 {
		return fmt.Errorf("max_payload_bytes must be positive, got %d", c.MaxPayloadBytes)
	}
	if c.MaxQueryLimit <= 0 {
		return fmt.Errorf("max_query_limit must be positive, got %d", c.MaxQueryLimit)
	}
	if c.MaxBatchConcurrency <= 0 {
		return fmt.Errorf("max_batch_concurrency must be positive, got %d", c.MaxBatchConcurrency)
	}
	sum := c.ScoreWeights.Success + c.ScoreWeights.Importance +
		c.ScoreWeights.Recency + c.ScoreWeights.Utility
	if math.Abs(sum-1.0) > 1e-9 {
		return fmt.Errorf("score_weights must sum to 1, got %.4f", sum)
	}
	if c.DuplicateThreshold < 0 || c.DuplicateThreshold > 1 {
		return fmt.Errorf("duplicate_threshold must be in [0,1], got %.3f", c.DuplicateThreshold)
	}
	if c.DecayFactor <= 0 || c.DecayFactor > 1 {
		return fmt.Errorf("decay_factor must be in (0,1], got %.3f", c.DecayFactor)
	}
	return nil
}

package config

import (
	"fmt"
	"time"

	"github.com/octoflow/octoflow/internal/env"
)

// SchedulerConfig holds all configuration for the scheduler binary.
type SchedulerConfig struct {
	Database      DatabaseConfig
	Observability ObservabilityConfig

	// Advertised address of this worker, used for bucket ownership and the
	// worker registry. Required.
	WorkerAddress string `env:"OCTO_WORKER_ADDRESS"`

	// MaxConcurrency bounds the number of job runs executing at once on
	// this worker.
	MaxConcurrency int `env:"OCTO_MAX_CONCURRENCY" default:"32"`

	// BucketCount is B, the shard count of the job-id space. Must be
	// identical on every worker of a fleet.
	BucketCount int `env:"OCTO_BUCKET_COUNT" default:"1024"`

	// PreloadBatchSize caps the rows fetched per preload query.
	PreloadBatchSize int `env:"OCTO_PRELOAD_BATCH_SIZE" default:"1000"`

	// PreloadMaxCachedIDs is the hard cap of the preload dedup set.
	PreloadMaxCachedIDs int `env:"OCTO_PRELOAD_MAX_CACHED_IDS" default:"50000"`

	// PreloadHorizon bounds how far ahead of now due rows are preloaded.
	PreloadHorizon time.Duration `env:"OCTO_PRELOAD_HORIZON" default:"5m"`

	// HeartbeatInterval is the worker registry heartbeat period.
	HeartbeatInterval time.Duration `env:"OCTO_HEARTBEAT_INTERVAL" default:"10s"`

	// LivenessWindowMultiplier: a worker is live if it heartbeated within
	// N x HeartbeatInterval.
	LivenessWindowMultiplier int `env:"OCTO_LIVENESS_WINDOW_MULTIPLIER" default:"3"`

	// RebalanceCheckInterval is the minimum gap between bucket rebalance
	// evaluations, damping membership flapping.
	RebalanceCheckInterval time.Duration `env:"OCTO_REBALANCE_CHECK_INTERVAL" default:"30s"`

	// DispatchTickInterval is the dispatch loop cadence.
	DispatchTickInterval time.Duration `env:"OCTO_DISPATCH_TICK_INTERVAL" default:"1s"`

	// GenerateTickInterval is the run generator cadence.
	GenerateTickInterval time.Duration `env:"OCTO_GENERATE_TICK_INTERVAL" default:"1s"`

	// DefaultRetryInterval is the fallback retry gap when a JobDefinition
	// omits one.
	DefaultRetryInterval time.Duration `env:"OCTO_DEFAULT_RETRY_INTERVAL" default:"30s"`

	// JobInfoRefreshInterval is the full-refresh cadence of the job-info
	// cache.
	JobInfoRefreshInterval time.Duration `env:"OCTO_JOBINFO_REFRESH_INTERVAL" default:"5m"`

	// JanitorInterval is the cadence of the preload reconciliation janitor
	// and the orphaned-run reaper.
	JanitorInterval time.Duration `env:"OCTO_JANITOR_INTERVAL" default:"30s"`

	// DefaultJobTimeout applies to job runs whose definition has no timeout.
	DefaultJobTimeout time.Duration `env:"OCTO_DEFAULT_JOB_TIMEOUT" default:"1h"`
}

// LivenessWindow returns the liveness window derived from the heartbeat
// interval and multiplier.
func (c *SchedulerConfig) LivenessWindow() time.Duration {
	return time.Duration(c.LivenessWindowMultiplier) * c.HeartbeatInterval
}

// Validate checks cross-field constraints.
func (c *SchedulerConfig) Validate() error {
	if c.WorkerAddress == "" {
		return fmt.Errorf("OCTO_WORKER_ADDRESS is required")
	}
	if c.BucketCount < 1 {
		return fmt.Errorf("OCTO_BUCKET_COUNT must be positive, got %d", c.BucketCount)
	}
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("OCTO_MAX_CONCURRENCY must be positive, got %d", c.MaxConcurrency)
	}
	if c.LivenessWindowMultiplier < 1 {
		return fmt.Errorf("OCTO_LIVENESS_WINDOW_MULTIPLIER must be positive, got %d", c.LivenessWindowMultiplier)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("OCTO_HEARTBEAT_INTERVAL must be positive, got %s", c.HeartbeatInterval)
	}
	return nil
}

// LoadSchedulerConfig loads and validates scheduler configuration from the
// environment.
func LoadSchedulerConfig() (*SchedulerConfig, error) {
	cfg := &SchedulerConfig{}
	if err := env.Load(cfg); err != nil {
		return nil, fmt.Errorf("failed to load scheduler config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

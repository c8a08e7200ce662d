package scheduler

import (
	"time"

	"github.com/smallbiznis/tenancy/internal/config"
)

// Config controls scheduler intervals and batch sizes.
type Config struct {
	RunInterval time.Duration
	BatchSize   int
	JobTimeout  time.Duration
	LockTTL     time.Duration
	// MaxBatches caps how many sweep batches one run may drain.
	MaxBatches int
}

func DefaultConfig() Config {
	policy := config.DefaultPolicy()
	return Config{
		RunInterval: policy.SweepInterval,
		BatchSize:   policy.SweepBatchSize,
		JobTimeout:  30 * time.Second,
		LockTTL:     time.Minute,
		MaxBatches:  20,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = defaults.BatchSize
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = defaults.LockTTL
	}
	if c.LockTTL < c.JobTimeout {
		c.LockTTL = c.JobTimeout
	}
	if c.MaxBatches <= 0 {
		c.MaxBatches = defaults.MaxBatches
	}
	return c
}

// ProvideConfig derives the sweep cadence from the loaded policy.
func ProvideConfig(policy config.PolicySource) Config {
	p := policy.Get()
	return Config{
		RunInterval: p.SweepInterval,
		BatchSize:   p.SweepBatchSize,
	}.withDefaults()
}

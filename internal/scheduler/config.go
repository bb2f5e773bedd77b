package scheduler

import (
	"time"

	"github.com/smallbiznis/licensegate/internal/config"
)

// Config controls the admin maintenance loop.
type Config struct {
	RunInterval time.Duration
	JobTimeout  time.Duration
	// EnabledJobs limits which jobs run; empty means all of them.
	EnabledJobs []string
}

func DefaultConfig() Config {
	return Config{
		RunInterval: time.Hour,
		JobTimeout:  30 * time.Second,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		RunInterval: cfg.Billing.MaintenanceInterval,
		EnabledJobs: cfg.Billing.MaintenanceJobs,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.RunInterval <= 0 {
		c.RunInterval = defaults.RunInterval
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = defaults.JobTimeout
	}
	return c
}

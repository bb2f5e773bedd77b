package worker

import (
	"time"

	"github.com/smallbiznis/licensegate/internal/config"
)

// Config controls the client background loops.
type Config struct {
	FlushInterval    time.Duration
	ReportStartDelay time.Duration
	ReportInterval   time.Duration
	ReportWindowDays int
	ReportDir        string
	RunTimeout       time.Duration
}

func DefaultConfig() Config {
	return Config{
		FlushInterval:    time.Minute,
		ReportStartDelay: 30 * time.Second,
		ReportInterval:   5 * time.Minute,
		ReportWindowDays: 90,
		ReportDir:        "reports",
		RunTimeout:       30 * time.Second,
	}
}

func ProvideConfig(cfg config.Config) Config {
	return Config{
		FlushInterval:    cfg.Client.FlushInterval,
		ReportStartDelay: cfg.Client.ReportStartDelay,
		ReportInterval:   cfg.Client.ReportInterval,
		ReportWindowDays: cfg.Client.ReportWindowDays,
		ReportDir:        cfg.Client.ReportDir,
	}.withDefaults()
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()
	if c.FlushInterval <= 0 {
		c.FlushInterval = defaults.FlushInterval
	}
	if c.ReportStartDelay < 0 {
		c.ReportStartDelay = defaults.ReportStartDelay
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = defaults.ReportInterval
	}
	if c.ReportWindowDays <= 0 {
		c.ReportWindowDays = defaults.ReportWindowDays
	}
	if c.ReportDir == "" {
		c.ReportDir = defaults.ReportDir
	}
	if c.RunTimeout <= 0 {
		c.RunTimeout = defaults.RunTimeout
	}
	return c
}

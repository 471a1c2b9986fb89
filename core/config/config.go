package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/adalundhe/toolrt/core/resources"
)

type Config struct {
	Thresholds resources.Thresholds                `yaml:"thresholds"`
	Limits     map[string]resources.ResourceLimits `yaml:"limits"`
	Overrides  []OverrideConfig                    `yaml:"overrides"`
	Cleanup    CleanupConfig                       `yaml:"cleanup"`
	Recovery   RecoveryConfig                      `yaml:"recovery"`
	Throttle   resources.ThrottleConfig            `yaml:"throttle"`
	Sampler    SamplerConfig                       `yaml:"sampler"`
	Journal    JournalConfig                       `yaml:"journal"`
	Runtime    RuntimeConfig                       `yaml:"runtime"`
	Logging    LoggingConfig                       `yaml:"logging"`
}

type OverrideConfig struct {
	Pattern string                   `yaml:"pattern"`
	Limits  resources.ResourceLimits `yaml:"limits"`
}

type CleanupConfig struct {
	NetworkGrace      string `yaml:"network_grace"`
	UnregisterTimeout string `yaml:"unregister_timeout"`
}

type RecoveryConfig struct {
	HistorySize        int    `yaml:"history_size"`
	MaxEscalationSteps int    `yaml:"max_escalation_steps"`
	TombstoneCapacity  int    `yaml:"tombstone_capacity"`
	StepDelay          string `yaml:"step_delay"`
}

type SamplerConfig struct {
	Interval string `yaml:"interval"`
}

type JournalConfig struct {
	Path      string `yaml:"path"`
	CacheSize int    `yaml:"cache_size"`
}

type RuntimeConfig struct {
	EmergencyShutdown bool `yaml:"emergency_shutdown"`
	// EventHistory is how many resource events each tool keeps; negative
	// turns the history off.
	EventHistory int `yaml:"event_history"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func DefaultConfig() *Config {
	limits := make(map[string]resources.ResourceLimits)
	for level, row := range resources.DefaultLimitsTable().Rows() {
		limits[level.String()] = row
	}
	return &Config{
		Thresholds: resources.DefaultThresholds(),
		Limits:     limits,
		Cleanup: CleanupConfig{
			NetworkGrace:      "5s",
			UnregisterTimeout: "10s",
		},
		Recovery: RecoveryConfig{
			HistorySize:        64,
			MaxEscalationSteps: 5,
			TombstoneCapacity:  1024,
			StepDelay:          "0s",
		},
		Throttle: resources.DefaultThrottleConfig(),
		Sampler: SamplerConfig{
			Interval: "1s",
		},
		Journal: JournalConfig{
			CacheSize: 256,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []error
	if err := c.Thresholds.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("thresholds: %w", err))
	}
	if _, err := c.Resolver(); err != nil {
		errs = append(errs, err)
	}
	for name, value := range map[string]string{
		"cleanup.network_grace":      c.Cleanup.NetworkGrace,
		"cleanup.unregister_timeout": c.Cleanup.UnregisterTimeout,
		"recovery.step_delay":        c.Recovery.StepDelay,
		"sampler.interval":           c.Sampler.Interval,
	} {
		if value == "" {
			continue
		}
		if d, err := time.ParseDuration(value); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		} else if d < 0 {
			errs = append(errs, fmt.Errorf("%s: must not be negative", name))
		}
	}
	if c.Recovery.MaxEscalationSteps < 0 {
		errs = append(errs, errors.New("recovery.max_escalation_steps: must not be negative"))
	}
	return errors.Join(errs...)
}

// LimitsTable builds the per-level table from the limits section.
func (c *Config) LimitsTable() (*resources.LimitsTable, error) {
	rows := make(map[resources.SecurityLevel]resources.ResourceLimits, len(c.Limits))
	for name, limits := range c.Limits {
		level, err := resources.ParseSecurityLevel(name)
		if err != nil {
			return nil, fmt.Errorf("limits: %w", err)
		}
		rows[level] = limits
	}
	table, err := resources.NewLimitsTable(rows)
	if err != nil {
		return nil, fmt.Errorf("limits: %w", err)
	}
	return table, nil
}

// Resolver builds the limits resolver, including per-tool overrides.
func (c *Config) Resolver() (*resources.Resolver, error) {
	table, err := c.LimitsTable()
	if err != nil {
		return nil, err
	}
	overrides := make([]resources.Override, len(c.Overrides))
	for i, o := range c.Overrides {
		overrides[i] = resources.Override{Pattern: o.Pattern, Limits: o.Limits}
	}
	resolver, err := resources.NewResolver(table, overrides)
	if err != nil {
		return nil, fmt.Errorf("overrides: %w", err)
	}
	return resolver, nil
}

func (c *Config) NetworkGrace() time.Duration {
	return parseDuration(c.Cleanup.NetworkGrace, 5*time.Second)
}

func (c *Config) UnregisterTimeout() time.Duration {
	return parseDuration(c.Cleanup.UnregisterTimeout, 10*time.Second)
}

func (c *Config) StepDelay() time.Duration {
	return parseDuration(c.Recovery.StepDelay, 0)
}

func (c *Config) SampleInterval() time.Duration {
	return parseDuration(c.Sampler.Interval, time.Second)
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return def
	}
	return d
}

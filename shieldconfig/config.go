// Package shieldconfig holds the runtime's tunable knobs: how aggressively
// to spin while waiting out a conflicting writer, and how often the
// background trimmer sweeps. Loading follows the teacher lineage's
// YAML-plus-env-override convention: LoadFromFile reads a YAML document,
// LoadFromEnv then overrides individual fields from the process
// environment, and Validate rejects an unusable result. Package shield
// does not read TrimInterval; only the spin settings take effect, through
// NewSpinPolicy and shield.SetSpinPolicy.
package shieldconfig

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Options controls the Shield runtime. The zero value is not directly
// usable; start from Default.
type Options struct {
	SpinBackoff  SpinBackoffConfig `yaml:"spin_backoff"`
	TrimInterval time.Duration     `yaml:"trim_interval" env:"SHIELD_TRIM_INTERVAL"`

	// Logger receives protocol-violation and trimmer diagnostics. Defaults
	// to slog.Default() when nil.
	Logger *slog.Logger `yaml:"-"`
}

// SpinBackoffConfig bounds the delay CheckLockAndEnlist uses while waiting
// for a conflicting writer to publish or roll back.
type SpinBackoffConfig struct {
	// BaseDelay is the sleep duration used for the first sleeping spin
	// iteration, the one right after the YieldIterations yield-only spins.
	BaseDelay time.Duration `yaml:"base_delay" env:"SHIELD_SPIN_BASE_DELAY"`
	// MaxDelay caps the exponential backoff.
	MaxDelay time.Duration `yaml:"max_delay" env:"SHIELD_SPIN_MAX_DELAY"`
	// YieldIterations is how many initial iterations call runtime.Gosched
	// instead of sleeping at all, favoring quick retries for short-lived
	// contention before falling back to sleeping.
	YieldIterations int `yaml:"yield_iterations" env:"SHIELD_SPIN_YIELD_ITERATIONS"`
}

// Default returns the out-of-the-box Options: a few Gosched-only spins,
// then exponential backoff up to 10ms, and a 30s periodic trim.
func Default() *Options {
	return &Options{
		SpinBackoff: SpinBackoffConfig{
			BaseDelay:       50 * time.Microsecond,
			MaxDelay:        10 * time.Millisecond,
			YieldIterations: 4,
		},
		TrimInterval: 30 * time.Second,
	}
}

// LoadFromFile reads a YAML document at path into o. An empty path is a
// no-op, leaving o unchanged.
func (o *Options) LoadFromFile(path string) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("shieldconfig: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, o); err != nil {
		return fmt.Errorf("shieldconfig: parse %s: %w", path, err)
	}
	return nil
}

// LoadFromEnv overrides o's fields from the process environment, for any
// variable that is actually set.
func (o *Options) LoadFromEnv() error {
	if v := os.Getenv("SHIELD_SPIN_BASE_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("shieldconfig: SHIELD_SPIN_BASE_DELAY: %w", err)
		}
		o.SpinBackoff.BaseDelay = d
	}
	if v := os.Getenv("SHIELD_SPIN_MAX_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("shieldconfig: SHIELD_SPIN_MAX_DELAY: %w", err)
		}
		o.SpinBackoff.MaxDelay = d
	}
	if v := os.Getenv("SHIELD_SPIN_YIELD_ITERATIONS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("shieldconfig: SHIELD_SPIN_YIELD_ITERATIONS: %w", err)
		}
		o.SpinBackoff.YieldIterations = n
	}
	if v := os.Getenv("SHIELD_TRIM_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("shieldconfig: SHIELD_TRIM_INTERVAL: %w", err)
		}
		o.TrimInterval = d
	}
	return nil
}

// Validate rejects configurations the runner and trimmer cannot use
// safely.
func (o *Options) Validate() error {
	if o.SpinBackoff.BaseDelay < 0 {
		return fmt.Errorf("shieldconfig: spin base delay must be non-negative")
	}
	if o.SpinBackoff.MaxDelay < o.SpinBackoff.BaseDelay {
		return fmt.Errorf("shieldconfig: spin max delay must be >= base delay")
	}
	if o.SpinBackoff.YieldIterations < 0 {
		return fmt.Errorf("shieldconfig: yield iterations must be non-negative")
	}
	if o.TrimInterval < 0 {
		return fmt.Errorf("shieldconfig: trim interval must be non-negative")
	}
	return nil
}

// Load is the convenience path: Default, then LoadFromFile(path), then
// LoadFromEnv, then Validate.
func Load(path string) (*Options, error) {
	o := Default()
	if err := o.LoadFromFile(path); err != nil {
		return nil, err
	}
	if err := o.LoadFromEnv(); err != nil {
		return nil, err
	}
	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// Log returns the configured Logger, or slog.Default() if none was set.
func (o *Options) Log() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

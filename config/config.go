// Package config loads and validates the tunable constants of the relaysync
// engine. The refresh interval and retry bounds are deliberately configuration
// rather than contract: they only exist to keep per-device request volume
// conservative.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/relaypace/relaysync/logging"
)

// Duration wraps time.Duration with YAML support for strings like "2m" or "500ms".
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// RetryConfig bounds the exponential backoff used for retryable failures.
type RetryConfig struct {
	MaxAttempts  int      `yaml:"max_attempts"`
	InitialDelay Duration `yaml:"initial_delay"`
	MaxDelay     Duration `yaml:"max_delay"`
	Multiplier   float64  `yaml:"multiplier"`
}

// HTTPConfig bounds the remote adapter's HTTP behavior.
type HTTPConfig struct {
	Timeout      Duration `yaml:"timeout"`
	MaxBodyBytes int64    `yaml:"max_body_bytes"`
}

// Config holds every tunable of the engine.
type Config struct {
	// RemoteBaseURL is the base URL of the authoritative store's API.
	RemoteBaseURL string `yaml:"remote_base_url"`

	// RealtimeURL is the websocket endpoint for push events. Empty disables realtime.
	RealtimeURL string `yaml:"realtime_url"`

	// QueuePath is the sqlite database file backing the offline change queue
	// and the local snapshot.
	QueuePath string `yaml:"queue_path"`

	// DeviceID identifies this device in optimistic lock stamps. Generated if empty.
	DeviceID string `yaml:"device_id"`

	// RefreshInterval is the periodic full-refresh cadence while synced.
	RefreshInterval Duration `yaml:"refresh_interval"`

	// DebounceDelay coalesces rapid repeated edits of the same entity.
	DebounceDelay Duration `yaml:"debounce_delay"`

	// ToleranceWindow is the maximum gap between two devices' reported times
	// for the same leg event that still routes to manual resolution.
	ToleranceWindow Duration `yaml:"tolerance_window"`

	Retry   RetryConfig    `yaml:"retry"`
	HTTP    HTTPConfig     `yaml:"http"`
	Logging logging.Config `yaml:"logging"`
}

// Default returns a Config with production defaults applied.
func Default() *Config {
	c := &Config{}
	c.setDefaults()
	return c
}

func (c *Config) setDefaults() {
	if c.QueuePath == "" {
		c.QueuePath = "relaysync.db"
	}
	if c.DeviceID == "" {
		c.DeviceID = uuid.NewString()
	}
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = Duration(2 * time.Minute)
	}
	if c.DebounceDelay <= 0 {
		c.DebounceDelay = Duration(300 * time.Millisecond)
	}
	if c.ToleranceWindow <= 0 {
		c.ToleranceWindow = Duration(time.Minute)
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialDelay <= 0 {
		c.Retry.InitialDelay = Duration(500 * time.Millisecond)
	}
	if c.Retry.MaxDelay <= 0 {
		c.Retry.MaxDelay = Duration(10 * time.Second)
	}
	if c.Retry.Multiplier <= 0 {
		c.Retry.Multiplier = 2.0
	}
	if c.HTTP.Timeout <= 0 {
		c.HTTP.Timeout = Duration(30 * time.Second)
	}
	if c.HTTP.MaxBodyBytes <= 0 {
		c.HTTP.MaxBodyBytes = 8 << 20
	}
	if c.Logging.Level == "" {
		c.Logging = logging.DefaultConfig
	}
}

// Validate checks invariants the defaults cannot repair.
func (c *Config) Validate() error {
	if c.Retry.MaxDelay < c.Retry.InitialDelay {
		return fmt.Errorf("retry max_delay %s is below initial_delay %s",
			c.Retry.MaxDelay.Std(), c.Retry.InitialDelay.Std())
	}
	if c.Retry.Multiplier < 1.0 {
		return fmt.Errorf("retry multiplier %v must be >= 1.0", c.Retry.Multiplier)
	}
	if c.RefreshInterval.Std() < 10*time.Second {
		return fmt.Errorf("refresh_interval %s is below the 10s floor", c.RefreshInterval.Std())
	}
	return nil
}

// Load reads a YAML config file, applies defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	c := &Config{}
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	c.setDefaults()
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return c, nil
}

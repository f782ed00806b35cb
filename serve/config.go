package serve

import (
	"bytes"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the YAML file representation of server settings. It covers the
// same knobs as the functional options plus backend selection, so a
// deployment can be described entirely in one file:
//
//	store:
//	  driver: sqlite
//	  dsn: /var/lib/graphserve/state.db
//	bus:
//	  driver: redis
//	  addr: localhost:6379
//	workers: 8
//	lease: 30s
//	claim_poll: 500ms
//	run_timeout: 15m
//	retry:
//	  max_attempts: 3
//	  base_delay: 250ms
//	  max_delay: 5s
//	cron_tick: 10s
//	catch_up_window: 1h
//	event_grace: 60s
type Config struct {
	Store struct {
		// Driver selects the store backend: "sqlite", "mysql" or "memory".
		Driver string `yaml:"driver"`
		// DSN is the backend-specific connection string or file path.
		DSN string `yaml:"dsn"`
	} `yaml:"store"`

	Bus struct {
		// Driver selects the bus backend: "memory" or "redis".
		Driver string `yaml:"driver"`
		// Addr is the Redis address when Driver is "redis".
		Addr string `yaml:"addr"`
	} `yaml:"bus"`

	Workers   int      `yaml:"workers"`
	Lease     Duration `yaml:"lease"`
	ClaimPoll Duration `yaml:"claim_poll"`

	RunTimeout Duration `yaml:"run_timeout"`

	Retry struct {
		MaxAttempts int      `yaml:"max_attempts"`
		BaseDelay   Duration `yaml:"base_delay"`
		MaxDelay    Duration `yaml:"max_delay"`
	} `yaml:"retry"`

	CronTick      Duration `yaml:"cron_tick"`
	CatchUpWindow Duration `yaml:"catch_up_window"`

	EventGrace Duration `yaml:"event_grace"`
}

// Duration is a time.Duration that unmarshals from YAML strings like "30s"
// or "1h30m".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// LoadConfig reads and parses a YAML config file. Unknown keys are rejected
// so typos surface at startup rather than silently applying defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML config bytes.
func ParseConfig(data []byte) (*Config, error) {
	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks cross-field constraints. Zero values are allowed; they fall
// back to defaults when converted to Options.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "", "memory", "sqlite", "mysql":
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	switch c.Bus.Driver {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("unknown bus driver %q", c.Bus.Driver)
	}
	if c.Bus.Driver == "redis" && c.Bus.Addr == "" {
		return fmt.Errorf("bus driver redis requires addr")
	}
	if (c.Store.Driver == "sqlite" || c.Store.Driver == "mysql") && c.Store.DSN == "" {
		return fmt.Errorf("store driver %s requires dsn", c.Store.Driver)
	}
	if c.Workers < 0 {
		return fmt.Errorf("workers must not be negative, got %d", c.Workers)
	}
	if c.Retry.MaxAttempts > 0 {
		rp := RetryPolicy{
			MaxAttempts: c.Retry.MaxAttempts,
			BaseDelay:   time.Duration(c.Retry.BaseDelay),
			MaxDelay:    time.Duration(c.Retry.MaxDelay),
		}
		if err := rp.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ServerOptions converts the file config into functional options for New.
func (c *Config) ServerOptions() Options {
	opts := Options{
		Workers:       c.Workers,
		Lease:         time.Duration(c.Lease),
		ClaimPoll:     time.Duration(c.ClaimPoll),
		RunTimeout:    time.Duration(c.RunTimeout),
		CronTick:      time.Duration(c.CronTick),
		CatchUpWindow: time.Duration(c.CatchUpWindow),
		EventGrace:    time.Duration(c.EventGrace),
	}
	if c.Retry.MaxAttempts > 0 {
		opts.Retry = RetryPolicy{
			MaxAttempts: c.Retry.MaxAttempts,
			BaseDelay:   time.Duration(c.Retry.BaseDelay),
			MaxDelay:    time.Duration(c.Retry.MaxDelay),
		}
	}
	return opts
}

// Package config loads StockPilot client configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tkhuang/stockpilot/internal/errors"
)

// Config holds all tunables for the sync engine. Backoff constants, the
// queue capacity and the drain concurrency are deliberately configuration
// rather than baked-in values.
type Config struct {
	ServerURL string `yaml:"server_url"`
	DataDir   string `yaml:"data_dir"`

	BackoffBase time.Duration `yaml:"backoff_base"` // first retry delay
	BackoffMax  time.Duration `yaml:"backoff_max"`  // cap for the exponential curve

	MaxQueueSize     int `yaml:"max_queue_size"`    // entries before STORAGE_EXHAUSTED
	DrainConcurrency int `yaml:"drain_concurrency"` // concurrent entity groups per pass
	AuditLogCap      int `yaml:"audit_log_cap"`     // oldest audit entries evicted past this

	RequestTimeout time.Duration `yaml:"request_timeout"` // mutation calls
	HealthTimeout  time.Duration `yaml:"health_timeout"`  // reachability probe
	HealthInterval time.Duration `yaml:"health_interval"` // probe cadence while online
	SyncInterval   time.Duration `yaml:"sync_interval"`   // background drain cadence

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		ServerURL:        "http://localhost:8080",
		DataDir:          "./data",
		BackoffBase:      2 * time.Second,
		BackoffMax:       5 * time.Minute,
		MaxQueueSize:     1000,
		DrainConcurrency: 4,
		AuditLogCap:      500,
		RequestTimeout:   15 * time.Second,
		HealthTimeout:    5 * time.Second,
		HealthInterval:   60 * time.Second,
		SyncInterval:     5 * time.Minute,
		LogLevel:         "info",
	}
}

// Load reads the YAML file at path, falling back to defaults for unset
// fields and applying STOCKPILOT_* environment overrides last. A missing
// file is not an error; the defaults plus environment apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, errors.Wrap(errors.ErrValidation, "failed to read config file", err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrap(errors.ErrValidation, "failed to parse config file", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from the environment.
func (c *Config) applyEnv() {
	if v := os.Getenv("STOCKPILOT_SERVER_URL"); v != "" {
		c.ServerURL = v
	}
	if v := os.Getenv("STOCKPILOT_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("STOCKPILOT_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("STOCKPILOT_LOG_FILE"); v != "" {
		c.LogFile = v
	}
	if v := os.Getenv("STOCKPILOT_MAX_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxQueueSize = n
		}
	}
	if v := os.Getenv("STOCKPILOT_DRAIN_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DrainConcurrency = n
		}
	}
	if v := os.Getenv("STOCKPILOT_BACKOFF_BASE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.BackoffBase = d
		}
	}
	if v := os.Getenv("STOCKPILOT_BACKOFF_MAX"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.BackoffMax = d
		}
	}
	if v := os.Getenv("STOCKPILOT_SYNC_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.SyncInterval = d
		}
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return errors.New(errors.ErrValidation, "server_url is required")
	}
	if c.DataDir == "" {
		return errors.New(errors.ErrValidation, "data_dir is required")
	}
	if c.BackoffBase <= 0 {
		return errors.Newf(errors.ErrValidation, "backoff_base must be positive, got %s", c.BackoffBase)
	}
	if c.BackoffMax < c.BackoffBase {
		return errors.Newf(errors.ErrValidation,
			"backoff_max (%s) must be at least backoff_base (%s)", c.BackoffMax, c.BackoffBase)
	}
	if c.MaxQueueSize <= 0 {
		return errors.New(errors.ErrValidation, "max_queue_size must be positive")
	}
	if c.DrainConcurrency <= 0 {
		return errors.New(errors.ErrValidation, "drain_concurrency must be positive")
	}
	if c.AuditLogCap <= 0 {
		return errors.New(errors.ErrValidation, "audit_log_cap must be positive")
	}
	if c.RequestTimeout <= 0 || c.HealthTimeout <= 0 {
		return errors.New(errors.ErrValidation, "request timeouts must be positive")
	}
	return nil
}

// Backoff returns the retry delay after the given number of failed attempts:
// base * 2^(attempts-1), capped at BackoffMax. Attempts below one yield zero.
func (c *Config) Backoff(attempts int) time.Duration {
	if attempts < 1 {
		return 0
	}
	d := c.BackoffBase
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= c.BackoffMax {
			return c.BackoffMax
		}
	}
	if d > c.BackoffMax {
		return c.BackoffMax
	}
	return d
}

// String renders the config for startup logging, without huge fields.
func (c *Config) String() string {
	return fmt.Sprintf("server=%s data=%s backoff=%s..%s queue_cap=%d concurrency=%d",
		c.ServerURL, c.DataDir, c.BackoffBase, c.BackoffMax, c.MaxQueueSize, c.DrainConcurrency)
}

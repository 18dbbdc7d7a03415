// Package config loads swarm's layered configuration: built-in defaults,
// an optional YAML file, then SWARM_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/swarm-dev/swarm/internal/storage"
	"github.com/swarm-dev/swarm/internal/watchdog"
)

// EnvPrefix prefixes every environment override, e.g. SWARM_DATABASE_PATH
const EnvPrefix = "SWARM"

// DefaultPath is where `swarm init` writes the config file
const DefaultPath = ".swarm/config.yaml"

// Config is the complete swarm configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database" yaml:"database"`
	Watchdog  WatchdogConfig  `mapstructure:"watchdog" yaml:"watchdog"`
	Events    EventsConfig    `mapstructure:"events" yaml:"events"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Claim     ClaimConfig     `mapstructure:"claim" yaml:"claim"`
}

// DatabaseConfig selects and tunes the ticket store
type DatabaseConfig struct {
	// Backend is "sqlite" or "postgres"
	// Default: "sqlite"
	Backend string `mapstructure:"backend" yaml:"backend"`

	// Path is the SQLite database file
	// Default: ".swarm/swarm.db"
	Path string `mapstructure:"path" yaml:"path"`

	// DSN is the PostgreSQL connection string
	DSN string `mapstructure:"dsn" yaml:"dsn,omitempty"`

	// BusyTimeout bounds how long SQLite waits on a locked database
	// Default: 30s
	BusyTimeout time.Duration `mapstructure:"busy_timeout" yaml:"busy_timeout"`
}

// WatchdogConfig configures the heartbeat monitor
type WatchdogConfig struct {
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout" yaml:"heartbeat_timeout"`
	ScanInterval     time.Duration `mapstructure:"scan_interval" yaml:"scan_interval"`
	ReportsPerSecond float64       `mapstructure:"reports_per_second" yaml:"reports_per_second"`
}

// EventsConfig configures state-change delivery
type EventsConfig struct {
	// MaxConcurrentDeliveries bounds in-flight notifications; extra ones are dropped
	// Default: 64
	MaxConcurrentDeliveries int `mapstructure:"max_concurrent_deliveries" yaml:"max_concurrent_deliveries"`

	// NATSURL enables the NATS publisher when set
	NATSURL string `mapstructure:"nats_url" yaml:"nats_url,omitempty"`

	// NATSSubjectPrefix is prepended to the target state
	// Default: "swarm.tickets"
	NATSSubjectPrefix string `mapstructure:"nats_subject_prefix" yaml:"nats_subject_prefix"`
}

// TelemetryConfig configures OpenTelemetry
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Stdout  bool `mapstructure:"stdout" yaml:"stdout"`
}

// LogConfig configures the structured logger
type LogConfig struct {
	// Level is one of debug, info, warn, error
	// Default: "info"
	Level string `mapstructure:"level" yaml:"level"`

	// Format is "text" or "json"
	// Default: "text"
	Format string `mapstructure:"format" yaml:"format"`
}

// ClaimConfig holds ticket defaults applied at creation
type ClaimConfig struct {
	// DefaultMaxReviewAttempts bounds review/requeue cycles for new tickets
	// Default: 3
	DefaultMaxReviewAttempts int `mapstructure:"default_max_review_attempts" yaml:"default_max_review_attempts"`
}

// Default returns the built-in configuration
func Default() *Config {
	st := storage.DefaultConfig()
	wd := watchdog.DefaultConfig()
	return &Config{
		Database: DatabaseConfig{
			Backend:     st.Backend,
			Path:        st.Path,
			BusyTimeout: st.BusyTimeout,
		},
		Watchdog: WatchdogConfig{
			HeartbeatTimeout: wd.HeartbeatTimeout,
			ScanInterval:     wd.ScanInterval,
			ReportsPerSecond: wd.ReportsPerSecond,
		},
		Events: EventsConfig{
			MaxConcurrentDeliveries: 64,
			NATSSubjectPrefix:       "swarm.tickets",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Claim: ClaimConfig{
			DefaultMaxReviewAttempts: 3,
		},
	}
}

// Validate checks if the configuration has valid values
func (c *Config) Validate() error {
	switch c.Database.Backend {
	case storage.BackendSQLite:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for the sqlite backend")
		}
	case storage.BackendPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("database.backend must be sqlite or postgres (got %q)", c.Database.Backend)
	}
	if c.Database.BusyTimeout < 0 {
		return fmt.Errorf("database.busy_timeout cannot be negative (got %v)", c.Database.BusyTimeout)
	}

	if err := c.WatchdogConfig().Validate(); err != nil {
		return fmt.Errorf("watchdog: %w", err)
	}

	if c.Events.MaxConcurrentDeliveries < 1 {
		return fmt.Errorf("events.max_concurrent_deliveries must be at least 1 (got %d)", c.Events.MaxConcurrentDeliveries)
	}
	if c.Events.NATSURL != "" && c.Events.NATSSubjectPrefix == "" {
		return fmt.Errorf("events.nats_subject_prefix is required when events.nats_url is set")
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error (got %q)", c.Log.Level)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log.format must be text or json (got %q)", c.Log.Format)
	}

	if c.Claim.DefaultMaxReviewAttempts < 1 || c.Claim.DefaultMaxReviewAttempts > 20 {
		return fmt.Errorf("claim.default_max_review_attempts must be between 1 and 20 (got %d)", c.Claim.DefaultMaxReviewAttempts)
	}
	return nil
}

// StorageConfig converts the database section for storage.NewStorage
func (c *Config) StorageConfig() *storage.Config {
	return &storage.Config{
		Backend:     c.Database.Backend,
		Path:        c.Database.Path,
		BusyTimeout: c.Database.BusyTimeout,
		DSN:         c.Database.DSN,
	}
}

// WatchdogConfig converts the watchdog section for watchdog.NewMonitor
func (c *Config) WatchdogConfig() *watchdog.Config {
	wd := watchdog.DefaultConfig()
	wd.HeartbeatTimeout = c.Watchdog.HeartbeatTimeout
	wd.ScanInterval = c.Watchdog.ScanInterval
	wd.ReportsPerSecond = c.Watchdog.ReportsPerSecond
	return wd
}

// String renders the configuration as YAML with the DSN redacted
func (c *Config) String() string {
	redacted := *c
	if redacted.Database.DSN != "" {
		redacted.Database.DSN = "<redacted>"
	}
	data, err := yaml.Marshal(&redacted)
	if err != nil {
		return fmt.Sprintf("<config: %v>", err)
	}
	return string(data)
}

// Load reads configuration from path (optional; "" skips the file) and
// applies SWARM_* environment overrides, e.g. SWARM_DATABASE_BACKEND or
// SWARM_WATCHDOG_HEARTBEAT_TIMEOUT=5m.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		_, err := os.Stat(path)
		switch {
		case err == nil:
			v.SetConfigFile(path)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("failed to stat config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("database.backend", d.Database.Backend)
	v.SetDefault("database.path", d.Database.Path)
	v.SetDefault("database.dsn", d.Database.DSN)
	v.SetDefault("database.busy_timeout", d.Database.BusyTimeout)
	v.SetDefault("watchdog.heartbeat_timeout", d.Watchdog.HeartbeatTimeout)
	v.SetDefault("watchdog.scan_interval", d.Watchdog.ScanInterval)
	v.SetDefault("watchdog.reports_per_second", d.Watchdog.ReportsPerSecond)
	v.SetDefault("events.max_concurrent_deliveries", d.Events.MaxConcurrentDeliveries)
	v.SetDefault("events.nats_url", d.Events.NATSURL)
	v.SetDefault("events.nats_subject_prefix", d.Events.NATSSubjectPrefix)
	v.SetDefault("telemetry.enabled", d.Telemetry.Enabled)
	v.SetDefault("telemetry.stdout", d.Telemetry.Stdout)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("claim.default_max_review_attempts", d.Claim.DefaultMaxReviewAttempts)
}

// WriteFile writes c as YAML to path, creating the parent directory
func (c *Config) WriteFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

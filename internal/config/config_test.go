package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "sqlite", cfg.Database.Backend)
	assert.Equal(t, ".swarm/swarm.db", cfg.Database.Path)
	assert.Equal(t, 10*time.Minute, cfg.Watchdog.HeartbeatTimeout)
	assert.Equal(t, 3, cfg.Claim.DefaultMaxReviewAttempts)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown backend", func(c *Config) { c.Database.Backend = "mysql" }, "database.backend"},
		{"postgres without dsn", func(c *Config) { c.Database.Backend = "postgres" }, "database.dsn"},
		{"postgres with dsn", func(c *Config) {
			c.Database.Backend = "postgres"
			c.Database.DSN = "postgres://localhost/swarm"
		}, ""},
		{"sqlite without path", func(c *Config) { c.Database.Path = "" }, "database.path"},
		{"bad watchdog", func(c *Config) { c.Watchdog.ScanInterval = 0 }, "watchdog"},
		{"zero deliveries", func(c *Config) { c.Events.MaxConcurrentDeliveries = 0 }, "max_concurrent_deliveries"},
		{"nats without prefix", func(c *Config) {
			c.Events.NATSURL = "nats://localhost:4222"
			c.Events.NATSSubjectPrefix = ""
		}, "nats_subject_prefix"},
		{"bad level", func(c *Config) { c.Log.Level = "trace" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
		{"zero review attempts", func(c *Config) { c.Claim.DefaultMaxReviewAttempts = 0 }, "default_max_review_attempts"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database:
  path: /var/lib/swarm/tickets.db
watchdog:
  heartbeat_timeout: 5m
  scan_interval: 15s
log:
  level: debug
`), 0o644))

	t.Setenv("SWARM_LOG_FORMAT", "json")
	t.Setenv("SWARM_CLAIM_DEFAULT_MAX_REVIEW_ATTEMPTS", "5")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/var/lib/swarm/tickets.db", cfg.Database.Path)
	assert.Equal(t, 5*time.Minute, cfg.Watchdog.HeartbeatTimeout)
	assert.Equal(t, 15*time.Second, cfg.Watchdog.ScanInterval)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 5, cfg.Claim.DefaultMaxReviewAttempts)
	assert.Equal(t, 30*time.Second, cfg.Database.BusyTimeout, "unset keys keep defaults")
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("SWARM_DATABASE_BACKEND", "oracle")
	_, err := Load("")
	assert.ErrorContains(t, err, "database.backend")
}

func TestWriteFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".swarm", "config.yaml")
	cfg := Default()
	cfg.Events.NATSURL = "nats://127.0.0.1:4222"
	require.NoError(t, cfg.WriteFile(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg, loaded)
}

func TestStringRedactsDSN(t *testing.T) {
	cfg := Default()
	cfg.Database.Backend = "postgres"
	cfg.Database.DSN = "postgres://swarm:hunter2@db/swarm"
	out := cfg.String()
	assert.NotContains(t, out, "hunter2")
	assert.Contains(t, out, "<redacted>")
	assert.Contains(t, out, "heartbeat_timeout: 10m0s")
}

func TestConversions(t *testing.T) {
	cfg := Default()
	cfg.Database.DSN = "postgres://x"
	st := cfg.StorageConfig()
	assert.Equal(t, "sqlite", st.Backend)
	assert.Equal(t, "postgres://x", st.DSN)

	wd := cfg.WatchdogConfig()
	assert.Equal(t, cfg.Watchdog.ScanInterval, wd.ScanInterval)
	assert.NoError(t, wd.Validate())
}

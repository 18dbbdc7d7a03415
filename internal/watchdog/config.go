package watchdog

import (
	"fmt"
	"time"
)

// Config holds the heartbeat monitor configuration
type Config struct {
	// HeartbeatTimeout is how long an assigned or in-progress ticket may go
	// without a heartbeat before it is failed
	// Default: 10 minutes
	HeartbeatTimeout time.Duration `json:"heartbeat_timeout"`

	// ScanInterval is how often stale tickets are looked for
	// Default: 30 seconds
	ScanInterval time.Duration `json:"scan_interval"`

	// ReportsPerSecond caps failure reports so a mass stall (agent fleet
	// restart) does not flood the store
	// Default: 5
	ReportsPerSecond float64 `json:"reports_per_second"`

	// Burst is the number of reports allowed at once
	// Default: 10
	Burst int `json:"burst"`
}

// DefaultConfig returns the default monitor configuration
func DefaultConfig() *Config {
	return &Config{
		HeartbeatTimeout: 10 * time.Minute,
		ScanInterval:     30 * time.Second,
		ReportsPerSecond: 5,
		Burst:            10,
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.HeartbeatTimeout <= 0 {
		return fmt.Errorf("heartbeat_timeout must be positive (got %v)", c.HeartbeatTimeout)
	}
	if c.ScanInterval <= 0 {
		return fmt.Errorf("scan_interval must be positive (got %v)", c.ScanInterval)
	}
	if c.ScanInterval > c.HeartbeatTimeout {
		return fmt.Errorf("scan_interval (%v) must not exceed heartbeat_timeout (%v)", c.ScanInterval, c.HeartbeatTimeout)
	}
	if c.ReportsPerSecond <= 0 {
		return fmt.Errorf("reports_per_second must be positive (got %v)", c.ReportsPerSecond)
	}
	if c.Burst < 1 {
		return fmt.Errorf("burst must be at least 1 (got %d)", c.Burst)
	}
	return nil
}

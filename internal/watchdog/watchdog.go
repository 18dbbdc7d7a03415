// Package watchdog fails tickets whose agents stopped sending heartbeats.
//
// The lifecycle engine never runs timers itself. The Monitor periodically
// looks for assigned or in-progress tickets whose last heartbeat is older
// than the timeout and reports a timeout failure for each, which the engine
// classifies and turns into a retry or a hold.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/swarm-dev/swarm/internal/types"
)

// StaleLister finds tickets with no heartbeat since cutoff
type StaleLister interface {
	ListStale(ctx context.Context, cutoff time.Time) ([]*types.Ticket, error)
}

// FailureReporter is the engine operation the monitor drives. The report
// must be ignored unless assigneeID still holds the ticket with no
// heartbeat since staleBefore.
type FailureReporter interface {
	ReportTimeout(ctx context.Context, id, assigneeID string, staleBefore time.Time, message string) (*types.Ticket, error)
}

// Monitor scans for stale tickets on an interval
type Monitor struct {
	config   *Config
	store    StaleLister
	reporter FailureReporter
	limiter  *rate.Limiter
	clock    func() time.Time
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Option configures a Monitor
type Option func(*Monitor)

// WithClock overrides time.Now
func WithClock(clock func() time.Time) Option {
	return func(m *Monitor) { m.clock = clock }
}

// WithLogger sets the monitor logger
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewMonitor creates a monitor. A nil config uses DefaultConfig.
func NewMonitor(config *Config, store StaleLister, reporter FailureReporter, opts ...Option) (*Monitor, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid watchdog config: %w", err)
	}
	if store == nil || reporter == nil {
		return nil, fmt.Errorf("store and reporter are required")
	}

	m := &Monitor{
		config:   config,
		store:    store,
		reporter: reporter,
		limiter:  rate.NewLimiter(rate.Limit(config.ReportsPerSecond), config.Burst),
		clock:    time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Start runs the scan loop in the background until Stop or ctx is done
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	go m.loop(ctx, m.stopCh, m.doneCh)
}

// Stop ends the scan loop and waits for it to exit
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	close(stopCh)
	<-doneCh
}

func (m *Monitor) loop(ctx context.Context, stopCh <-chan struct{}, doneCh chan<- struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(m.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			if _, err := m.ScanOnce(ctx); err != nil {
				// keep monitoring; the next tick retries
				m.logger.Warn("heartbeat scan failed", "error", err)
			}
		}
	}
}

// ScanOnce reports a timeout failure for every stale ticket and returns how
// many reports were made.
func (m *Monitor) ScanOnce(ctx context.Context) (int, error) {
	now := m.clock()
	cutoff := now.Add(-m.config.HeartbeatTimeout)

	stale, err := m.store.ListStale(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to list stale tickets: %w", err)
	}

	reported := 0
	for _, t := range stale {
		if err := m.limiter.Wait(ctx); err != nil {
			return reported, err
		}

		msg := timeoutMessage(t, now)
		updated, err := m.reporter.ReportTimeout(ctx, t.ID, t.AssigneeID, cutoff, msg)
		if err != nil {
			m.logger.Warn("failed to report heartbeat timeout", "ticket_id", t.ID, "error", err)
			continue
		}
		if updated.State.IsWorking() {
			// reclaimed or heartbeated since the scan
			m.logger.Debug("heartbeat timeout skipped", "ticket_id", t.ID, "assignee", updated.AssigneeID)
			continue
		}
		reported++
		m.logger.Info("heartbeat timeout reported",
			"ticket_id", t.ID, "assignee", t.AssigneeID, "new_state", updated.State)
	}
	return reported, nil
}

func timeoutMessage(t *types.Ticket, now time.Time) string {
	last := t.UpdatedAt
	if t.LastHeartbeat != nil {
		last = *t.LastHeartbeat
	}
	return fmt.Sprintf("heartbeat timeout: no heartbeat from %s for %s while %s",
		t.AssigneeID, now.Sub(last).Round(time.Second), t.State)
}

package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/swarm-dev/swarm/internal/storage/postgres"
	"github.com/swarm-dev/swarm/internal/storage/sqlite"
	"github.com/swarm-dev/swarm/internal/types"
)

// Sentinel errors shared by every backend
var (
	ErrNotFound      = types.ErrNotFound
	ErrStateConflict = types.ErrStateConflict
	ErrInvalidTicket = types.ErrInvalidTicket
)

// Storage is the ticket store. It is the single source of truth for ticket
// state; only the lifecycle engine mutates it.
type Storage interface {
	// Tickets
	CreateTicket(ctx context.Context, ticket *types.Ticket, actor string) error
	GetTicket(ctx context.Context, id string) (*types.Ticket, error)
	ListTickets(ctx context.Context, filter types.TicketFilter) ([]*types.Ticket, error)
	ListChildren(ctx context.Context, parentID string) ([]*types.Ticket, error)

	// UpdateTicket applies upd only if the ticket is still in state from.
	// When upd.State is set the event is appended in the same transaction.
	// Returns ErrStateConflict if the guard matched no row.
	UpdateTicket(ctx context.Context, id string, from types.TicketState, upd *types.TicketUpdate, event *types.TicketEvent) (*types.Ticket, error)
	// UpdateTicketSteps applies several guarded updates in one transaction;
	// either every step lands or none does.
	UpdateTicketSteps(ctx context.Context, id string, from types.TicketState, steps []types.TicketStep) (*types.Ticket, error)

	// Ready work
	ListReady(ctx context.Context, filter types.ClaimFilter, now time.Time, limit int) ([]*types.Ticket, error)
	// ClaimTicket atomically moves the best eligible ready ticket to assigned.
	// Returns (nil, nil) when there is no eligible ticket.
	ClaimTicket(ctx context.Context, filter types.ClaimFilter, now time.Time) (*types.Ticket, error)
	// ListStale returns assigned/in_progress tickets with no heartbeat since cutoff
	ListStale(ctx context.Context, cutoff time.Time) ([]*types.Ticket, error)

	// Dependencies
	AddDependency(ctx context.Context, dep *types.Dependency) error
	GetDependencies(ctx context.Context, ticketID string) ([]*types.Ticket, error)
	GetDependents(ctx context.Context, ticketID string) ([]*types.Ticket, error)

	// Reviews (append-only)
	CreateReview(ctx context.Context, review *types.Review) error
	GetReviews(ctx context.Context, ticketID string) ([]*types.Review, error)

	// Events
	GetEvents(ctx context.Context, ticketID string, limit int) ([]*types.TicketEvent, error)

	// Lifecycle
	Close() error
}

var (
	_ Storage = (*sqlite.SQLiteStorage)(nil)
	_ Storage = (*postgres.PostgresStorage)(nil)
)

// Backend names accepted by Config.Backend
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config holds database configuration
type Config struct {
	// Backend selects the store implementation: "sqlite" (default) or "postgres"
	Backend string

	// Path is the SQLite database file path
	// Default: ".swarm/swarm.db"
	Path string

	// BusyTimeout bounds how long SQLite waits on a locked database
	BusyTimeout time.Duration

	// DSN is the PostgreSQL connection string (postgres backend only)
	DSN string
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Backend:     BackendSQLite,
		Path:        ".swarm/swarm.db",
		BusyTimeout: 30 * time.Second,
	}
}

// NewStorage opens the configured storage backend
func NewStorage(ctx context.Context, cfg *Config) (Storage, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	switch cfg.Backend {
	case "", BackendSQLite:
		path := cfg.Path
		if path == "" {
			path = DefaultConfig().Path
		}
		return sqlite.New(ctx, path, sqlite.WithBusyTimeout(cfg.BusyTimeout))
	case BackendPostgres:
		if cfg.DSN == "" {
			return nil, fmt.Errorf("postgres backend requires a DSN")
		}
		pgCfg := postgres.DefaultConfig()
		pgCfg.DSN = cfg.DSN
		return postgres.New(ctx, pgCfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

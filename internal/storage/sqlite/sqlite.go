package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ncruces/go-sqlite3"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// SQLiteStorage implements the ticket store on a single SQLite file
type SQLiteStorage struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

type options struct {
	busyTimeout  time.Duration
	maxOpenConns int
	openTimeout  time.Duration
	logger       *slog.Logger
}

// Option configures New
type Option func(*options)

// WithBusyTimeout sets how long a connection waits on a locked database
func WithBusyTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.busyTimeout = d
		}
	}
}

// WithMaxOpenConns caps the connection pool
func WithMaxOpenConns(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxOpenConns = n
		}
	}
}

// WithLogger sets the logger used for retries and no-op diagnostics
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// timeFormat is how every DATETIME is written: fixed-width UTC with
// milliseconds, so stored times compare correctly as text against bound
// parameters (retry_after <= now, heartbeat < cutoff).
const timeFormat = sqlite3.TimeFormat7

// New opens (creating if needed) the database at path and migrates it to the
// latest schema. Opening is retried while another process holds the write lock.
func New(ctx context.Context, path string, opts ...Option) (*SQLiteStorage, error) {
	o := options{
		busyTimeout:  30 * time.Second,
		maxOpenConns: 8,
		openTimeout:  30 * time.Second,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	connStr := fmt.Sprintf("file:%s?_pragma=foreign_keys(ON)&_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_timefmt=%s",
		path, o.busyTimeout.Milliseconds(), timeFormat)
	db, err := sql.Open("sqlite3", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(o.maxOpenConns)

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = o.openTimeout
	err = backoff.Retry(func() error {
		err := migrationManager().ApplySQLite(ctx, db)
		if err != nil && isBusyError(err) {
			o.logger.Debug("database locked during open, retrying", "path", path)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db, path: path, logger: o.logger}, nil
}

// Close checkpoints the WAL and closes the database
func (s *SQLiteStorage) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Path returns the database file path
func (s *SQLiteStorage) Path() string {
	return s.path
}

// withImmediateTx runs fn inside BEGIN IMMEDIATE on a dedicated connection.
// The write lock is taken up front, so every read inside fn sees the state
// that fn's writes will be applied to.
func (s *SQLiteStorage) withImmediateTx(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer func() { _ = conn.Close() }()

	bo := backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 5)
	err = backoff.Retry(func() error {
		_, err := conn.ExecContext(ctx, "BEGIN IMMEDIATE")
		if err != nil && !isBusyError(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
	if err != nil {
		return fmt.Errorf("failed to begin immediate transaction: %w", err)
	}

	// ROLLBACK uses a fresh context so cleanup runs even if ctx is canceled
	committed := false
	defer func() {
		if !committed {
			_, _ = conn.ExecContext(context.Background(), "ROLLBACK")
		}
	}()

	if err := fn(conn); err != nil {
		return err
	}
	if _, err := conn.ExecContext(ctx, "COMMIT"); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	committed = true
	return nil
}

func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sqlite3.BUSY) || errors.Is(err, sqlite3.LOCKED) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func isConstraintError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, sqlite3.CONSTRAINT) {
		return true
	}
	return strings.Contains(err.Error(), "constraint failed")
}

// isDuplicateID reports a tickets primary key collision
func isDuplicateID(err error) bool {
	return err != nil && errors.Is(err, sqlite3.CONSTRAINT_PRIMARYKEY)
}

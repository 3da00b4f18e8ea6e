package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	sqlite3 "github.com/mattn/go-sqlite3"

	bidscore "github.com/nellh/bids-core"
	"github.com/nellh/bids-core/job"
)

// Compile-time interface check.
var _ job.Store = (*Store)(nil)

// schema is the full DDL for the job table. Every statement is
// idempotent, so Migrate can run on every start.
const schema = `
CREATE TABLE IF NOT EXISTS bidscore_jobs (
	id       TEXT PRIMARY KEY,
	state    TEXT NOT NULL DEFAULT 'pending',
	payload  BLOB,
	result   BLOB,
	progress TEXT NOT NULL DEFAULT '',
	failure  TEXT NOT NULL DEFAULT '',
	created  INTEGER NOT NULL,
	modified INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_bidscore_jobs_claim
	ON bidscore_jobs (modified DESC, id ASC)
	WHERE state = 'pending';

CREATE INDEX IF NOT EXISTS idx_bidscore_jobs_state_modified
	ON bidscore_jobs (state, modified);

CREATE INDEX IF NOT EXISTS idx_bidscore_jobs_created
	ON bidscore_jobs (created DESC);
`

// Store is a SQLite-backed job store.
//
// Timestamps are stored as unix nanoseconds in INTEGER columns so that
// ordering and cutoff comparisons are exact integer comparisons.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger used by the store.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// New opens (and creates if missing) the database file at path. Pass
// ":memory:" for an in-memory database. The returned store owns the
// handle; Close releases it.
func New(path string, opts ...Option) (*Store, error) {
	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("bidscore/sqlite: open %s: %w", path, err)
	}

	// SQLite permits a single writer. One pooled connection keeps
	// concurrent claimers serialized instead of tripping SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, storeErr("connect", err)
	}

	return NewFromDB(db, opts...), nil
}

// NewFromDB wraps an existing database handle. The store takes
// ownership; Close closes the handle.
func NewFromDB(db *sql.DB, opts ...Option) *Store {
	s := &Store{
		db:     db,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Migrate creates the job table and indexes if they do not exist yet.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return storeErr("migrate", err)
	}
	s.logger.Debug("sqlite schema up to date")
	return nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return storeErr("ping", err)
	}
	return nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ── helpers ──────────────────────────────────────────────────────────

// storeErr wraps a driver error so callers can detect backend trouble
// with errors.Is(err, bidscore.ErrStoreUnavailable) while the original
// error stays in the chain.
func storeErr(op string, err error) error {
	return fmt.Errorf("bidscore/sqlite: %s: %w: %w", op, bidscore.ErrStoreUnavailable, err)
}

// isNoRows reports whether err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}

// isDuplicateKey reports whether err is a unique constraint violation.
func isDuplicateKey(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrConstraint
	}
	return false
}

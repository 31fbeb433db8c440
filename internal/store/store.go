// Package store provides the durable local state for the sync engine:
// the cached record mirror, the ordered mutation queue and the metadata
// table. All queue status transitions go through this package so that no
// caller ever read-modify-writes an entry directly.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	_ "modernc.org/sqlite"

	"github.com/tkhuang/stockpilot/internal/errors"
)

// Options configures store limits.
type Options struct {
	MaxQueueSize int // entries before Enqueue reports STORAGE_EXHAUSTED
	AuditLogCap  int // oldest audit entries evicted past this
}

// DefaultOptions returns the default store limits.
func DefaultOptions() Options {
	return Options{
		MaxQueueSize: 1000,
		AuditLogCap:  500,
	}
}

// Store wraps the SQLite database holding local sync state.
type Store struct {
	db   *sql.DB
	opts Options
}

// Open opens the StockPilot database under dataDir with:
// - WAL mode for concurrent reads during a drain pass
// - foreign key constraints enabled
// - a single writer connection (SQLite does not support multiple writers)
// The schema is migrated to the latest version before returning.
func Open(dataDir string, opts Options) (*Store, error) {
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = DefaultOptions().MaxQueueSize
	}
	if opts.AuditLogCap <= 0 {
		opts.AuditLogCap = DefaultOptions().AuditLogCap
	}

	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to create data directory", err)
	}

	dbPath := filepath.Join(dataDir, "stockpilot.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to open database", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.ErrDatabase, "failed to enable WAL mode", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON;"); err != nil {
		db.Close()
		return nil, errors.Wrap(errors.ErrDatabase, "failed to enable foreign keys", err)
	}

	s := &Store{db: db, opts: opts}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// memSeq distinguishes in-memory databases so concurrently open stores
// never share state through the sqlite shared cache.
var memSeq atomic.Int64

// OpenInMemory opens an ephemeral store backed by its own in-memory
// database, used by tests.
func OpenInMemory(opts Options) (*Store, error) {
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = DefaultOptions().MaxQueueSize
	}
	if opts.AuditLogCap <= 0 {
		opts.AuditLogCap = DefaultOptions().AuditLogCap
	}

	dsn := fmt.Sprintf("file:stockpilot-mem-%d?mode=memory&cache=shared", memSeq.Add(1))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "failed to open in-memory database", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, opts: opts}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// inTx runs fn inside a transaction, rolling back on error.
func (s *Store) inTx(fn func(tx *sql.Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to begin transaction", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.ErrDatabase, "failed to commit transaction", err)
	}
	return nil
}

// dbError wraps a raw database error in the store taxonomy.
func dbError(op string, err error) error {
	return errors.Wrap(errors.ErrDatabase, fmt.Sprintf("store %s failed", op), err)
}

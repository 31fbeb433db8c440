// Package store provides database schema migration management.
package store

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/tkhuang/stockpilot/internal/errors"
)

// migration is one versioned schema step. Migrations are embedded rather
// than read from disk so a client binary is self-contained.
type migration struct {
	version     int
	description string
	sql         string
}

var migrations = []migration{
	{
		version:     1,
		description: "initial_schema",
		sql: `
		CREATE TABLE IF NOT EXISTS records (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL CHECK(kind IN ('products', 'warehouses', 'sales')),
			payload TEXT NOT NULL,
			sync_status TEXT NOT NULL DEFAULT 'pending'
				CHECK(sync_status IN ('synced', 'pending', 'error')),
			server_id TEXT,
			last_modified INTEGER NOT NULL,
			deleted INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_records_sync_status ON records(sync_status);
		CREATE INDEX IF NOT EXISTS idx_records_kind ON records(kind);

		CREATE TABLE IF NOT EXISTS sync_queue (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			operation TEXT NOT NULL CHECK(operation IN ('CREATE', 'UPDATE', 'DELETE')),
			entity_kind TEXT NOT NULL CHECK(entity_kind IN ('products', 'warehouses', 'sales')),
			entity_id TEXT NOT NULL,
			payload TEXT NOT NULL,
			idempotency_key TEXT NOT NULL,
			enqueued_at INTEGER NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL DEFAULT '',
			next_retry_at INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'pending'
				CHECK(status IN ('pending', 'syncing', 'failed'))
		);
		CREATE INDEX IF NOT EXISTS idx_queue_status ON sync_queue(status);
		CREATE INDEX IF NOT EXISTS idx_queue_entity ON sync_queue(entity_id, status);

		CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
		`,
	},
}

// migrate applies all pending schema migrations in order. Each migration
// runs in its own transaction and is recorded with a content checksum.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`
	CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY CHECK(version > 0),
		applied_at INTEGER NOT NULL CHECK(applied_at > 0),
		description TEXT NOT NULL CHECK(length(description) > 0),
		checksum TEXT NOT NULL CHECK(length(checksum) = 64)
	);`); err != nil {
		return errors.Wrap(errors.ErrMigration, "failed to create schema_migrations table", err)
	}

	var current int
	if err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&current); err != nil {
		return errors.Wrap(errors.ErrMigration, "failed to read schema version", err)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.applyMigration(m); err != nil {
			return errors.Wrap(errors.ErrMigration,
				fmt.Sprintf("failed to apply migration V%d", m.version), err)
		}
	}

	return nil
}

// applyMigration applies a single migration inside a transaction.
func (s *Store) applyMigration(m migration) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.sql); err != nil {
		return fmt.Errorf("failed to execute migration SQL: %w", err)
	}

	hash := sha256.Sum256([]byte(m.sql))
	checksum := hex.EncodeToString(hash[:])

	query := `INSERT INTO schema_migrations (version, applied_at, description, checksum)
			  VALUES (?, strftime('%s', 'now'), ?, ?)`
	if _, err := tx.Exec(query, m.version, m.description, checksum); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}

	return tx.Commit()
}

// SchemaVersion returns the current schema version, used by diagnostics.
func (s *Store) SchemaVersion() (int, error) {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_migrations").Scan(&version)
	if err != nil {
		return 0, dbError("schema version query", err)
	}
	return version, nil
}

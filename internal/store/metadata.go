// Package store implements the key/value metadata table: the conflict
// preference, the bounded audit log, telemetry counters and per-record
// sync errors.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/tkhuang/stockpilot/internal/errors"
	"github.com/tkhuang/stockpilot/internal/models"
	"github.com/tkhuang/stockpilot/internal/uuid"
)

const (
	metaPreferenceKey = "conflict_preference"
	auditSeqKey       = "audit_seq"
	auditPrefix       = "audit:"
	conflictPrefix    = "conflict:"
)

// GetMeta returns the value for a metadata key, or empty string if unset.
func (s *Store) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", dbError("meta get", err)
	}
	return value, nil
}

// SetMeta upserts a metadata key.
func (s *Store) SetMeta(key, value string) error {
	_, err := s.db.Exec(`
	INSERT INTO metadata (key, value) VALUES (?, ?)
	ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return dbError("meta set", err)
	}
	return nil
}

// DeleteMeta removes a metadata key. Deleting an absent key is not an error.
func (s *Store) DeleteMeta(key string) error {
	if _, err := s.db.Exec("DELETE FROM metadata WHERE key = ?", key); err != nil {
		return dbError("meta delete", err)
	}
	return nil
}

// GetCounter returns a persisted int64 counter, zero if unset.
func (s *Store) GetCounter(key string) (int64, error) {
	value, err := s.GetMeta(key)
	if err != nil {
		return 0, err
	}
	if value == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, errors.Wrap(errors.ErrDatabase, fmt.Sprintf("counter %s corrupted", key), err)
	}
	return n, nil
}

// AddCounter atomically adds delta to a persisted counter and returns the
// new value.
func (s *Store) AddCounter(key string, delta int64) (int64, error) {
	var result int64
	err := s.inTx(func(tx *sql.Tx) error {
		var value string
		var current int64
		err := tx.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
		if err != nil && err != sql.ErrNoRows {
			return dbError("counter read", err)
		}
		if err == nil {
			current, _ = strconv.ParseInt(value, 10, 64)
		}
		result = current + delta
		_, err = tx.Exec(`
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			key, strconv.FormatInt(result, 10))
		if err != nil {
			return dbError("counter write", err)
		}
		return nil
	})
	return result, err
}

// SetCounter overwrites a persisted counter.
func (s *Store) SetCounter(key string, value int64) error {
	return s.SetMeta(key, strconv.FormatInt(value, 10))
}

// GetPreference returns the stored conflict preference, or nil when the
// operator has not opted into automatic resolution.
func (s *Store) GetPreference() (*models.ConflictPreference, error) {
	value, err := s.GetMeta(metaPreferenceKey)
	if err != nil || value == "" {
		return nil, err
	}
	var pref models.ConflictPreference
	if err := json.Unmarshal([]byte(value), &pref); err != nil {
		return nil, errors.Wrap(errors.ErrDatabase, "conflict preference corrupted", err)
	}
	return &pref, nil
}

// SetPreference persists the process-wide auto-resolution strategy.
func (s *Store) SetPreference(strategy models.Strategy) error {
	if !models.ValidStrategy(strategy) {
		return errors.Newf(errors.ErrInvalidStrategy, "unknown strategy %q", strategy)
	}
	pref := models.ConflictPreference{
		Strategy: strategy,
		SetAt:    time.Now().UnixMilli(),
	}
	data, err := json.Marshal(pref)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to marshal preference", err)
	}
	return s.SetMeta(metaPreferenceKey, string(data))
}

// ClearPreference removes the stored strategy; future conflicts prompt again.
func (s *Store) ClearPreference() error {
	return s.DeleteMeta(metaPreferenceKey)
}

// AppendAudit appends a resolution record to the audit log. The log is
// append-only and bounded: once it exceeds the configured cap the oldest
// entries are evicted. Entries are never mutated after append.
func (s *Store) AppendAudit(entry *models.AuditLogEntry) error {
	if entry.ID == "" {
		entry.ID = models.UUID(uuid.New())
	}
	if entry.ResolvedAt == 0 {
		entry.ResolvedAt = time.Now().UnixMilli()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to marshal audit entry", err)
	}

	return s.inTx(func(tx *sql.Tx) error {
		var seq int64
		var value string
		err := tx.QueryRow("SELECT value FROM metadata WHERE key = ?", auditSeqKey).Scan(&value)
		if err != nil && err != sql.ErrNoRows {
			return dbError("audit seq read", err)
		}
		if err == nil {
			seq, _ = strconv.ParseInt(value, 10, 64)
		}
		seq++

		if _, err := tx.Exec(`
		INSERT INTO metadata (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
			auditSeqKey, strconv.FormatInt(seq, 10)); err != nil {
			return dbError("audit seq write", err)
		}

		key := fmt.Sprintf("%s%012d", auditPrefix, seq)
		if _, err := tx.Exec("INSERT INTO metadata (key, value) VALUES (?, ?)", key, string(data)); err != nil {
			return dbError("audit append", err)
		}

		// Evict oldest past the cap. Key order equals append order.
		_, err = tx.Exec(`
		DELETE FROM metadata WHERE key IN (
			SELECT key FROM metadata WHERE key LIKE ? ORDER BY key ASC
			LIMIT max(0, (SELECT COUNT(*) FROM metadata WHERE key LIKE ?) - ?)
		)`, auditPrefix+"%", auditPrefix+"%", s.opts.AuditLogCap)
		if err != nil {
			return dbError("audit eviction", err)
		}
		return nil
	})
}

// SaveConflictCase mirrors an open conflict case into the metadata table.
// The queue entry is consumed the moment a case opens, so the persisted case
// is the only durable carrier of the local payload until it is resolved or
// rejected; a crash with open cases must not lose them.
func (s *Store) SaveConflictCase(c *models.ConflictCase) error {
	data, err := json.Marshal(c)
	if err != nil {
		return errors.Wrap(errors.ErrInternal, "failed to marshal conflict case", err)
	}
	return s.SetMeta(conflictCaseKey(c.QueueEntryID), string(data))
}

// DeleteConflictCase drops the persisted mirror of a case once it has been
// resolved or rejected. Deleting an absent case is not an error.
func (s *Store) DeleteConflictCase(queueEntryID int64) error {
	return s.DeleteMeta(conflictCaseKey(queueEntryID))
}

// ListConflictCases returns every persisted open case in detection order.
func (s *Store) ListConflictCases() ([]*models.ConflictCase, error) {
	rows, err := s.db.Query(
		"SELECT value FROM metadata WHERE key LIKE ? ORDER BY key ASC", conflictPrefix+"%")
	if err != nil {
		return nil, dbError("conflict case list", err)
	}
	defer rows.Close()

	var cases []*models.ConflictCase
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, dbError("conflict case scan", err)
		}
		var c models.ConflictCase
		if err := json.Unmarshal([]byte(value), &c); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "conflict case corrupted", err)
		}
		cases = append(cases, &c)
	}
	return cases, rows.Err()
}

// conflictCaseKey zero-pads the queue entry id so key order equals
// detection order.
func conflictCaseKey(queueEntryID int64) string {
	return fmt.Sprintf("%s%012d", conflictPrefix, queueEntryID)
}

// ListAudit returns the audit log in append order, oldest first.
func (s *Store) ListAudit() ([]*models.AuditLogEntry, error) {
	rows, err := s.db.Query(
		"SELECT value FROM metadata WHERE key LIKE ? ORDER BY key ASC", auditPrefix+"%")
	if err != nil {
		return nil, dbError("audit list", err)
	}
	defer rows.Close()

	var entries []*models.AuditLogEntry
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, dbError("audit scan", err)
		}
		var entry models.AuditLogEntry
		if err := json.Unmarshal([]byte(value), &entry); err != nil {
			return nil, errors.Wrap(errors.ErrDatabase, "audit entry corrupted", err)
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

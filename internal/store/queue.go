// Package store implements the ordered, crash-durable mutation queue.
package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/tkhuang/stockpilot/internal/errors"
	"github.com/tkhuang/stockpilot/internal/models"
	"github.com/tkhuang/stockpilot/internal/uuid"
)

// Enqueue validates and durably appends a mutation, and optimistically
// applies it to the cached record mirror in the same transaction. The entry
// is persisted before Enqueue returns so an unsent mutation survives a
// crash. The returned entry carries the monotonically assigned id that
// defines replay order, and the idempotency key that every retry reuses.
func (s *Store) Enqueue(op models.Operation, kind models.EntityKind, payload *models.Record) (*models.QueueEntry, error) {
	if !models.ValidOperation(op) {
		return nil, errors.Newf(errors.ErrInvalidOperation, "unknown operation %q", op)
	}
	if !models.ValidKind(kind) {
		return nil, errors.Newf(errors.ErrInvalidEntityKind, "unknown entity kind %q", kind)
	}
	if payload == nil {
		return nil, errors.New(errors.ErrInvalidPayload, "payload is required")
	}
	if err := payload.Validate(kind); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidPayload, "payload rejected", err)
	}
	// Entity ids come from callers (UI, CLI, import); a malformed id would
	// poison replay ordering and remote URLs, so reject it here.
	if err := uuid.Validate(string(payload.ID)); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidPayload, "payload id rejected", err)
	}
	if payload.WarehouseID != "" && !uuid.IsValid(string(payload.WarehouseID)) {
		return nil, errors.Newf(errors.ErrInvalidPayload,
			"warehouse_id %q is not a v4 uuid", payload.WarehouseID)
	}

	now := time.Now().UnixMilli()
	payload.UpdatedAt = now

	raw, err := payload.Marshal()
	if err != nil {
		return nil, errors.Wrap(errors.ErrInvalidPayload, "payload not serializable", err)
	}

	entry := &models.QueueEntry{
		Operation:      op,
		EntityKind:     kind,
		EntityID:       payload.ID,
		Payload:        raw,
		IdempotencyKey: uuid.NewIdempotencyKey(),
		EnqueuedAt:     now,
		Attempts:       0,
		NextRetryAt:    0,
		Status:         models.QueueStatusPending,
	}

	var exhausted error
	err = s.inTx(func(tx *sql.Tx) error {
		var queued int
		if err := tx.QueryRow("SELECT COUNT(*) FROM sync_queue").Scan(&queued); err != nil {
			return dbError("queue capacity check", err)
		}
		if queued >= s.opts.MaxQueueSize {
			// The operator's change still lands in the cache so nothing they
			// did disappears, but it is flagged at-risk: no queue entry backs
			// it, so it will never be replayed. The flag commits even though
			// the enqueue itself is refused.
			if err := applyOptimistic(tx, entry, now); err != nil {
				return err
			}
			msg := fmt.Sprintf("mutation queue is full (%d entries); change not queued for sync", queued)
			if _, err := tx.Exec(
				"UPDATE records SET sync_status = 'error' WHERE id = ?", entry.EntityID); err != nil {
				return dbError("exhausted flag", err)
			}
			if _, err := tx.Exec(`
			INSERT INTO metadata (key, value) VALUES (?, ?)
			ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
				"last_error:"+string(entry.EntityID), msg); err != nil {
				return dbError("exhausted flag", err)
			}
			exhausted = errors.Newf(errors.ErrStorageExhausted,
				"mutation queue is full (%d entries)", queued)
			return nil
		}

		res, err := tx.Exec(`
		INSERT INTO sync_queue (operation, entity_kind, entity_id, payload,
			idempotency_key, enqueued_at, attempts, last_error, next_retry_at, status)
		VALUES (?, ?, ?, ?, ?, ?, 0, '', 0, 'pending')`,
			entry.Operation, entry.EntityKind, entry.EntityID, string(entry.Payload),
			entry.IdempotencyKey, entry.EnqueuedAt)
		if err != nil {
			return dbError("queue insert", err)
		}
		entry.ID, err = res.LastInsertId()
		if err != nil {
			return dbError("queue insert id", err)
		}

		return applyOptimistic(tx, entry, now)
	})
	if err != nil {
		return nil, err
	}
	if exhausted != nil {
		return nil, exhausted
	}

	return entry, nil
}

// applyOptimistic mirrors the mutation into the record cache before any
// remote confirmation. The cache is what the operator sees.
func applyOptimistic(tx *sql.Tx, entry *models.QueueEntry, now int64) error {
	switch entry.Operation {
	case models.OperationDelete:
		_, err := tx.Exec(`
		UPDATE records SET deleted = 1, sync_status = 'pending', last_modified = ?
		WHERE id = ?`, now, entry.EntityID)
		if err != nil {
			return dbError("optimistic delete", err)
		}
	default:
		_, err := tx.Exec(`
		INSERT INTO records (id, kind, payload, sync_status, last_modified, deleted)
		VALUES (?, ?, ?, 'pending', ?, 0)
		ON CONFLICT(id) DO UPDATE SET
			payload = excluded.payload,
			sync_status = 'pending',
			last_modified = excluded.last_modified,
			deleted = 0`,
			entry.EntityID, entry.EntityKind, string(entry.Payload), now)
		if err != nil {
			return dbError("optimistic upsert", err)
		}
	}
	return nil
}

// GetEntry returns a queue entry by id.
func (s *Store) GetEntry(id int64) (*models.QueueEntry, error) {
	row := s.db.QueryRow(`
	SELECT id, operation, entity_kind, entity_id, payload, idempotency_key,
		   enqueued_at, attempts, last_error, next_retry_at, status
	FROM sync_queue WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.ErrNotFound, "queue entry %d not found", id)
	}
	if err != nil {
		return nil, dbError("queue get", err)
	}
	return entry, nil
}

// ListByStatus returns entries with the given status ordered by enqueue
// time ascending. This ordering defines replay order.
func (s *Store) ListByStatus(status models.QueueStatus) ([]*models.QueueEntry, error) {
	rows, err := s.db.Query(`
	SELECT id, operation, entity_kind, entity_id, payload, idempotency_key,
		   enqueued_at, attempts, last_error, next_retry_at, status
	FROM sync_queue WHERE status = ? ORDER BY enqueued_at ASC, id ASC`, status)
	if err != nil {
		return nil, dbError("queue list", err)
	}
	defer rows.Close()

	var entries []*models.QueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, dbError("queue scan", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// CountByStatus returns the number of entries with the given status.
// Backed by the status index; polled frequently for UI badges.
func (s *Store) CountByStatus(status models.QueueStatus) (int, error) {
	var count int
	err := s.db.QueryRow("SELECT COUNT(*) FROM sync_queue WHERE status = ?", status).Scan(&count)
	if err != nil {
		return 0, dbError("queue count", err)
	}
	return count, nil
}

// MarkSyncing atomically transitions a pending entry to syncing. The
// transition is refused when another entry for the same entity is already
// syncing, which serializes concurrent mutations to one record.
func (s *Store) MarkSyncing(id int64) error {
	res, err := s.db.Exec(`
	UPDATE sync_queue SET status = 'syncing'
	WHERE id = ? AND status = 'pending'
	  AND NOT EXISTS (
		SELECT 1 FROM sync_queue other
		WHERE other.entity_id = sync_queue.entity_id
		  AND other.status = 'syncing' AND other.id != sync_queue.id
	  )`, id)
	if err != nil {
		return dbError("mark syncing", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return dbError("mark syncing", err)
	}
	if n == 0 {
		return errors.Newf(errors.ErrNotFound,
			"queue entry %d is not pending or its entity is already syncing", id)
	}
	return nil
}

// MarkPendingWithAttempt returns a syncing entry to pending after a
// recoverable failure, incrementing the attempt count and recording the
// error and the time before which the entry is not eligible again.
func (s *Store) MarkPendingWithAttempt(id int64, errMsg string, nextRetryAt int64) error {
	res, err := s.db.Exec(`
	UPDATE sync_queue
	SET status = 'pending', attempts = attempts + 1, last_error = ?, next_retry_at = ?
	WHERE id = ? AND status = 'syncing'`, errMsg, nextRetryAt, id)
	if err != nil {
		return dbError("mark pending", err)
	}
	return requireRow(res, id)
}

// MarkFailed transitions a syncing entry to failed after a non-retryable
// rejection. Failed entries stop auto-retrying and await operator action.
func (s *Store) MarkFailed(id int64, errMsg string) error {
	res, err := s.db.Exec(`
	UPDATE sync_queue SET status = 'failed', attempts = attempts + 1, last_error = ?
	WHERE id = ? AND status = 'syncing'`, errMsg, id)
	if err != nil {
		return dbError("mark failed", err)
	}
	return requireRow(res, id)
}

// Remove deletes an entry and refreshes the cached record's sync status:
// once no queue entries reference the entity any more it becomes synced,
// unless it has been flagged as errored.
func (s *Store) Remove(id int64) error {
	return s.inTx(func(tx *sql.Tx) error {
		var entityID string
		err := tx.QueryRow("SELECT entity_id FROM sync_queue WHERE id = ?", id).Scan(&entityID)
		if err == sql.ErrNoRows {
			return errors.Newf(errors.ErrNotFound, "queue entry %d not found", id)
		}
		if err != nil {
			return dbError("queue remove lookup", err)
		}

		if _, err := tx.Exec("DELETE FROM sync_queue WHERE id = ?", id); err != nil {
			return dbError("queue remove", err)
		}

		_, err = tx.Exec(`
		UPDATE records SET sync_status = 'synced'
		WHERE id = ? AND sync_status = 'pending'
		  AND NOT EXISTS (SELECT 1 FROM sync_queue WHERE entity_id = ?)`,
			entityID, entityID)
		if err != nil {
			return dbError("queue remove status refresh", err)
		}
		return nil
	})
}

// RetryEntry resets a failed entry to pending for an operator-initiated
// retry. The attempt count is preserved; the backoff window is cleared and
// the record's error flag reverts to pending so a later confirmation can
// promote it to synced.
func (s *Store) RetryEntry(id int64) error {
	return s.inTx(func(tx *sql.Tx) error {
		var entityID string
		err := tx.QueryRow(
			"SELECT entity_id FROM sync_queue WHERE id = ? AND status = 'failed'", id).Scan(&entityID)
		if err == sql.ErrNoRows {
			return errors.Newf(errors.ErrNotFound, "queue entry %d is not failed", id)
		}
		if err != nil {
			return dbError("queue retry lookup", err)
		}

		if _, err := tx.Exec(`
		UPDATE sync_queue SET status = 'pending', next_retry_at = 0
		WHERE id = ?`, id); err != nil {
			return dbError("queue retry", err)
		}

		if _, err := tx.Exec(`
		UPDATE records SET sync_status = 'pending'
		WHERE id = ? AND sync_status = 'error'`, entityID); err != nil {
			return dbError("queue retry record reset", err)
		}
		_, err = tx.Exec("DELETE FROM metadata WHERE key = ?", "last_error:"+entityID)
		if err != nil {
			return dbError("queue retry error clear", err)
		}
		return nil
	})
}

// ClearFailed removes all failed entries. This is the only bulk deletion
// path and it is operator-explicit.
func (s *Store) ClearFailed() (int, error) {
	res, err := s.db.Exec("DELETE FROM sync_queue WHERE status = 'failed'")
	if err != nil {
		return 0, dbError("clear failed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, dbError("clear failed", err)
	}
	return int(n), nil
}

// ResetSyncing reclassifies syncing entries to pending. A syncing status
// found at load time is evidence of a previous crash, not an active
// operation; the engine calls this before its first drain pass.
func (s *Store) ResetSyncing() (int, error) {
	res, err := s.db.Exec(`
	UPDATE sync_queue SET status = 'pending' WHERE status = 'syncing'`)
	if err != nil {
		return 0, dbError("reset syncing", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, dbError("reset syncing", err)
	}
	return int(n), nil
}

// scanner abstracts sql.Row and sql.Rows for scanEntry.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanEntry(row scanner) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	var payload string
	err := row.Scan(&entry.ID, &entry.Operation, &entry.EntityKind, &entry.EntityID,
		&payload, &entry.IdempotencyKey, &entry.EnqueuedAt, &entry.Attempts,
		&entry.LastError, &entry.NextRetryAt, &entry.Status)
	if err != nil {
		return nil, err
	}
	entry.Payload = []byte(payload)
	return &entry, nil
}

func requireRow(res sql.Result, id int64) error {
	n, err := res.RowsAffected()
	if err != nil {
		return dbError("rows affected", err)
	}
	if n == 0 {
		return errors.Newf(errors.ErrNotFound, "queue entry %d is not syncing", id)
	}
	return nil
}

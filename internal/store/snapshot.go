// Package store implements full-state export/import for backup, restore
// and debugging field-reported sync issues.
package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/golang/snappy"

	"github.com/tkhuang/stockpilot/internal/errors"
	"github.com/tkhuang/stockpilot/internal/models"
)

// Snapshot is the serializable image of all persisted local state: the
// record cache, the mutation queue and the metadata table.
type Snapshot struct {
	Version    string                 `json:"version"`
	ExportedAt int64                  `json:"exported_at"` // ms since epoch
	Records    []*models.CachedRecord `json:"records"`
	Queue      []*models.QueueEntry   `json:"queue"`
	Metadata   map[string]string      `json:"metadata"`
}

const snapshotVersion = "1"

// Export serializes the full local state as a snappy-compressed JSON blob.
func (s *Store) Export() ([]byte, error) {
	snap := &Snapshot{
		Version:    snapshotVersion,
		ExportedAt: time.Now().UnixMilli(),
		Metadata:   make(map[string]string),
	}

	rows, err := s.db.Query(`
	SELECT id, kind, payload, sync_status, server_id, last_modified, deleted
	FROM records ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrExportFailed, "failed to read records", err)
	}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(errors.ErrExportFailed, "failed to scan record", err)
		}
		snap.Records = append(snap.Records, rec)
	}
	rows.Close()

	qrows, err := s.db.Query(`
	SELECT id, operation, entity_kind, entity_id, payload, idempotency_key,
		   enqueued_at, attempts, last_error, next_retry_at, status
	FROM sync_queue ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(errors.ErrExportFailed, "failed to read queue", err)
	}
	for qrows.Next() {
		entry, err := scanEntry(qrows)
		if err != nil {
			qrows.Close()
			return nil, errors.Wrap(errors.ErrExportFailed, "failed to scan queue entry", err)
		}
		snap.Queue = append(snap.Queue, entry)
	}
	qrows.Close()

	mrows, err := s.db.Query("SELECT key, value FROM metadata ORDER BY key")
	if err != nil {
		return nil, errors.Wrap(errors.ErrExportFailed, "failed to read metadata", err)
	}
	for mrows.Next() {
		var k, v string
		if err := mrows.Scan(&k, &v); err != nil {
			mrows.Close()
			return nil, errors.Wrap(errors.ErrExportFailed, "failed to scan metadata", err)
		}
		snap.Metadata[k] = v
	}
	mrows.Close()

	data, err := json.Marshal(snap)
	if err != nil {
		return nil, errors.Wrap(errors.ErrExportFailed, "failed to marshal snapshot", err)
	}

	return snappy.Encode(nil, data), nil
}

// Import replaces all local state with the snapshot's contents. The swap is
// transactional: either the whole snapshot lands or nothing changes.
func (s *Store) Import(blob []byte) (*Snapshot, error) {
	data, err := snappy.Decode(nil, blob)
	if err != nil {
		return nil, errors.Wrap(errors.ErrImportFailed, "snapshot is not snappy-compressed", err)
	}

	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrap(errors.ErrImportFailed, "failed to parse snapshot", err)
	}
	if snap.Version != snapshotVersion {
		return nil, errors.Newf(errors.ErrImportFailed, "unsupported snapshot version %q", snap.Version)
	}

	err = s.inTx(func(tx *sql.Tx) error {
		for _, table := range []string{"records", "sync_queue", "metadata"} {
			if _, err := tx.Exec("DELETE FROM " + table); err != nil {
				return dbError("snapshot wipe "+table, err)
			}
		}

		for _, rec := range snap.Records {
			var serverID interface{}
			if rec.ServerID != "" {
				serverID = string(rec.ServerID)
			}
			_, err := tx.Exec(`
			INSERT INTO records (id, kind, payload, sync_status, server_id, last_modified, deleted)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
				rec.ID, rec.Kind, string(rec.Payload), rec.SyncStatus,
				serverID, rec.LastModified, rec.Deleted)
			if err != nil {
				return dbError("snapshot record insert", err)
			}
		}

		for _, entry := range snap.Queue {
			_, err := tx.Exec(`
			INSERT INTO sync_queue (id, operation, entity_kind, entity_id, payload,
				idempotency_key, enqueued_at, attempts, last_error, next_retry_at, status)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				entry.ID, entry.Operation, entry.EntityKind, entry.EntityID,
				string(entry.Payload), entry.IdempotencyKey, entry.EnqueuedAt,
				entry.Attempts, entry.LastError, entry.NextRetryAt, entry.Status)
			if err != nil {
				return dbError("snapshot queue insert", err)
			}
		}

		for k, v := range snap.Metadata {
			if _, err := tx.Exec("INSERT INTO metadata (key, value) VALUES (?, ?)", k, v); err != nil {
				return dbError("snapshot metadata insert", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return &snap, nil
}

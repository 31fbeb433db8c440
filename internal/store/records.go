// Package store implements the cached record mirror.
package store

import (
	"database/sql"
	"time"

	"github.com/tkhuang/stockpilot/internal/errors"
	"github.com/tkhuang/stockpilot/internal/models"
)

// GetRecord returns a cached record by id, including deleted ones so the
// conflict engine can reason about tombstones.
func (s *Store) GetRecord(id models.UUID) (*models.CachedRecord, error) {
	row := s.db.QueryRow(`
	SELECT id, kind, payload, sync_status, server_id, last_modified, deleted
	FROM records WHERE id = ?`, id)

	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, errors.Newf(errors.ErrNotFound, "record %s not found", id)
	}
	if err != nil {
		return nil, dbError("record get", err)
	}

	rec.LastSyncError, _ = s.GetMeta(lastErrorKey(id))
	return rec, nil
}

// ListRecords returns all live cached records of a kind, newest first.
func (s *Store) ListRecords(kind models.EntityKind) ([]*models.CachedRecord, error) {
	rows, err := s.db.Query(`
	SELECT id, kind, payload, sync_status, server_id, last_modified, deleted
	FROM records WHERE kind = ? AND deleted = 0
	ORDER BY last_modified DESC`, kind)
	if err != nil {
		return nil, dbError("record list", err)
	}
	defer rows.Close()

	var records []*models.CachedRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, dbError("record scan", err)
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

// AdoptServerRecord overwrites the local copy with the server's version,
// used when a conflict resolves to keep_server or when mirroring a bulk
// load. The record comes out synced with no queued history implied.
func (s *Store) AdoptServerRecord(kind models.EntityKind, server *models.Record) error {
	raw, err := server.Marshal()
	if err != nil {
		return errors.Wrap(errors.ErrInvalidPayload, "server record not serializable", err)
	}
	now := time.Now().UnixMilli()

	_, err = s.db.Exec(`
	INSERT INTO records (id, kind, payload, sync_status, server_id, last_modified, deleted)
	VALUES (?, ?, ?, 'synced', ?, ?, 0)
	ON CONFLICT(id) DO UPDATE SET
		payload = excluded.payload,
		sync_status = 'synced',
		server_id = excluded.server_id,
		last_modified = excluded.last_modified,
		deleted = 0`,
		server.ID, kind, string(raw), server.ID, now)
	if err != nil {
		return dbError("record adopt", err)
	}

	return s.DeleteMeta(lastErrorKey(server.ID))
}

// SetSyncStatus updates a record's sync status. For the error status the
// message is kept in the metadata table for operator display.
func (s *Store) SetSyncStatus(id models.UUID, status models.SyncStatus, syncErr string) error {
	res, err := s.db.Exec("UPDATE records SET sync_status = ? WHERE id = ?", status, id)
	if err != nil {
		return dbError("record status", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errors.Newf(errors.ErrNotFound, "record %s not found", id)
	}

	if status == models.SyncStatusError && syncErr != "" {
		return s.SetMeta(lastErrorKey(id), syncErr)
	}
	return s.DeleteMeta(lastErrorKey(id))
}

// SetServerID records the server-acknowledged identifier after a CREATE.
// The local id is never reassigned; the server is told to adopt it, and
// usually the two are equal.
func (s *Store) SetServerID(id models.UUID, serverID models.UUID) error {
	_, err := s.db.Exec("UPDATE records SET server_id = ? WHERE id = ?", serverID, id)
	if err != nil {
		return dbError("record server id", err)
	}
	return nil
}

// RemoveRecord drops a record from the cache entirely. Used when the
// server-side deletion of an entity is accepted locally.
func (s *Store) RemoveRecord(id models.UUID) error {
	if _, err := s.db.Exec("DELETE FROM records WHERE id = ?", id); err != nil {
		return dbError("record remove", err)
	}
	return s.DeleteMeta(lastErrorKey(id))
}

// CountRecordsByStatus returns the number of live records per sync status,
// for the aggregate UI indicator.
func (s *Store) CountRecordsByStatus(status models.SyncStatus) (int, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM records WHERE sync_status = ? AND deleted = 0", status).Scan(&count)
	if err != nil {
		return 0, dbError("record count", err)
	}
	return count, nil
}

func scanRecord(row scanner) (*models.CachedRecord, error) {
	var rec models.CachedRecord
	var payload string
	var serverID sql.NullString
	err := row.Scan(&rec.ID, &rec.Kind, &payload, &rec.SyncStatus,
		&serverID, &rec.LastModified, &rec.Deleted)
	if err != nil {
		return nil, err
	}
	rec.Payload = []byte(payload)
	if serverID.Valid {
		rec.ServerID = models.UUID(serverID.String)
	}
	return &rec, nil
}

func lastErrorKey(id models.UUID) string {
	return "last_error:" + string(id)
}

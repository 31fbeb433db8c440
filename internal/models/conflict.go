// Package models defines the data model for the StockPilot sync core.
package models

import "time"

// Strategy selects how a conflict between a queued local mutation and the
// server's current state is resolved.
type Strategy string

const (
	StrategyKeepLocal     Strategy = "keep_local"
	StrategyKeepServer    Strategy = "keep_server"
	StrategyMerge         Strategy = "merge"
	StrategyLastWriteWins Strategy = "last_write_wins"
)

// ValidStrategy reports whether s is a known resolution strategy.
func ValidStrategy(s Strategy) bool {
	switch s {
	case StrategyKeepLocal, StrategyKeepServer, StrategyMerge, StrategyLastWriteWins:
		return true
	}
	return false
}

// ConflictCase surfaces when replaying a queued mutation collides with newer
// server state. A case lives until resolved or rejected; open cases are
// mirrored into the metadata table so a restart cannot lose the local
// payload, and every outcome is recorded in the audit log.
type ConflictCase struct {
	QueueEntryID  int64      `json:"queue_entry_id"`
	EntityKind    EntityKind `json:"entity_kind"`
	EntityID      UUID       `json:"entity_id"`
	Operation     Operation  `json:"operation"`
	LocalVersion  *Record    `json:"local_version"`
	ServerVersion *Record    `json:"server_version,omitempty"` // nil when deleted server-side
	ServerDeleted bool       `json:"server_deleted"`
	DetectedAt    int64      `json:"detected_at"` // ms since epoch
}

// Resolution is the operator's (or the stored preference's) decision for a
// conflict case.
type Resolution struct {
	Strategy      Strategy `json:"strategy"`
	MergedPayload *Record  `json:"merged_payload,omitempty"` // required for merge
	UseForFuture  bool     `json:"use_for_future"`
}

// ConflictPreference is the persisted process-wide auto-resolution strategy.
// When set, future conflicts bypass the interactive step.
type ConflictPreference struct {
	Strategy Strategy `json:"strategy"`
	SetAt    int64    `json:"set_at"` // ms since epoch
}

// AuditLogEntry records one conflict resolution. Entries are append-only and
// the log is bounded; the store evicts the oldest entries past the cap.
type AuditLogEntry struct {
	ID             UUID       `json:"id"`
	QueueEntryID   int64      `json:"queue_entry_id"`
	EntityKind     EntityKind `json:"entity_kind"`
	EntityID       UUID       `json:"entity_id"`
	Strategy       Strategy   `json:"strategy"`
	Automatic      bool       `json:"automatic"`
	LocalModified  int64      `json:"local_modified"`            // ms since epoch
	ServerModified int64      `json:"server_modified,omitempty"` // ms since epoch, 0 when server deleted
	ResolvedAt     int64      `json:"resolved_at"`               // ms since epoch
}

// ResolvedAtTime returns ResolvedAt as time.Time.
func (a *AuditLogEntry) ResolvedAtTime() time.Time {
	return time.UnixMilli(a.ResolvedAt)
}

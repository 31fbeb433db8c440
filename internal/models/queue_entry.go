// Package models defines the data model for the StockPilot sync core.
package models

import (
	"encoding/json"
	"time"
)

// Operation is the kind of buffered mutation.
type Operation string

const (
	OperationCreate Operation = "CREATE"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// ValidOperation reports whether op is a member of the closed operation set.
func ValidOperation(op Operation) bool {
	switch op {
	case OperationCreate, OperationUpdate, OperationDelete:
		return true
	}
	return false
}

// QueueStatus is the lifecycle state of a queue entry.
type QueueStatus string

const (
	QueueStatusPending QueueStatus = "pending"
	QueueStatusSyncing QueueStatus = "syncing"
	QueueStatusFailed  QueueStatus = "failed"
)

// QueueEntry is one buffered mutation awaiting remote application.
// IDs are assigned monotonically by the store; creation order is sync order.
type QueueEntry struct {
	ID             int64           `db:"id" json:"id"`
	Operation      Operation       `db:"operation" json:"operation"`
	EntityKind     EntityKind      `db:"entity_kind" json:"entity_kind"`
	EntityID       UUID            `db:"entity_id" json:"entity_id"`
	Payload        json.RawMessage `db:"payload" json:"payload"`
	IdempotencyKey string          `db:"idempotency_key" json:"idempotency_key"`
	EnqueuedAt     int64           `db:"enqueued_at" json:"enqueued_at"` // ms since epoch
	Attempts       int             `db:"attempts" json:"attempts"`
	LastError      string          `db:"last_error" json:"last_error,omitempty"`
	NextRetryAt    int64           `db:"next_retry_at" json:"next_retry_at"` // ms since epoch
	Status         QueueStatus     `db:"status" json:"status"`
}

// TableName returns the table name for QueueEntry.
func (QueueEntry) TableName() string {
	return "sync_queue"
}

// EnqueuedAtTime returns EnqueuedAt as time.Time.
func (q *QueueEntry) EnqueuedAtTime() time.Time {
	return time.UnixMilli(q.EnqueuedAt)
}

// Ready reports whether the entry is eligible to be sent at the given time,
// i.e. it is pending and its backoff delay has elapsed.
func (q *QueueEntry) Ready(now time.Time) bool {
	return q.Status == QueueStatusPending && q.NextRetryAt <= now.UnixMilli()
}

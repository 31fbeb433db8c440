// Package models defines the data model for the StockPilot sync core.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// UUID is a wrapper around string for UUID v4 type safety.
type UUID string

// Value implements driver.Valuer for UUID.
func (u UUID) Value() (driver.Value, error) {
	return string(u), nil
}

// Scan implements sql.Scanner for UUID.
func (u *UUID) Scan(value interface{}) error {
	switch v := value.(type) {
	case nil:
		*u = ""
	case string:
		*u = UUID(v)
	case []byte:
		*u = UUID(v)
	default:
		return fmt.Errorf("cannot scan %T into UUID", value)
	}
	return nil
}

// String returns the string representation of the UUID.
func (u UUID) String() string {
	return string(u)
}

// EntityKind identifies a domain collection. The set is closed; unknown
// kinds are rejected at the store boundary.
type EntityKind string

const (
	KindProduct   EntityKind = "products"
	KindWarehouse EntityKind = "warehouses"
	KindSale      EntityKind = "sales"
)

// ValidKind reports whether kind is a member of the closed entity set.
func ValidKind(kind EntityKind) bool {
	switch kind {
	case KindProduct, KindWarehouse, KindSale:
		return true
	}
	return false
}

// StockAffecting reports whether mutations of this kind move money or stock
// and therefore must carry an idempotency key on every remote call.
func (k EntityKind) StockAffecting() bool {
	return k == KindSale || k == KindProduct
}

// SyncStatus describes a cached record's relationship to the server copy.
type SyncStatus string

const (
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusPending SyncStatus = "pending"
	SyncStatusError   SyncStatus = "error"
)

// Record is the full snapshot of a domain entity as carried in queue
// payloads and the local cache. The engine treats the domain fields as
// opaque except during conflict diffing.
type Record struct {
	ID          UUID            `json:"id"`
	Name        string          `json:"name"`
	SKU         string          `json:"sku,omitempty"`
	Category    string          `json:"category,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Quantity    int64           `json:"quantity"`
	WarehouseID UUID            `json:"warehouse_id,omitempty"`
	UpdatedAt   int64           `json:"updated_at"` // ms since epoch
}

// Validate checks the payload against the requirements of its entity kind.
func (r *Record) Validate(kind EntityKind) error {
	if r == nil {
		return fmt.Errorf("payload is nil")
	}
	if r.ID == "" {
		return fmt.Errorf("payload id is required")
	}
	if r.Name == "" {
		return fmt.Errorf("payload name is required")
	}
	switch kind {
	case KindProduct:
		if r.SKU == "" {
			return fmt.Errorf("product payload requires sku")
		}
		if r.Quantity < 0 {
			return fmt.Errorf("product quantity cannot be negative")
		}
	case KindSale:
		if r.WarehouseID == "" {
			return fmt.Errorf("sale payload requires warehouse_id")
		}
		if r.Quantity <= 0 {
			return fmt.Errorf("sale quantity must be positive")
		}
	}
	if r.Price.IsNegative() {
		return fmt.Errorf("price cannot be negative")
	}
	return nil
}

// Marshal serializes the record for storage and wire transfer.
func (r *Record) Marshal() (json.RawMessage, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	return data, nil
}

// UnmarshalRecord deserializes a stored or wire payload.
func UnmarshalRecord(data json.RawMessage) (*Record, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty record payload")
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}
	return &r, nil
}

// CachedRecord is the local mirror of a domain entity. The cache is the
// source of truth for what the operator sees; the queue is the source of
// truth for what still needs confirming.
type CachedRecord struct {
	ID            UUID            `db:"id" json:"id"`
	Kind          EntityKind      `db:"kind" json:"kind"`
	Payload       json.RawMessage `db:"payload" json:"payload"`
	SyncStatus    SyncStatus      `db:"sync_status" json:"sync_status"`
	ServerID      UUID            `db:"server_id" json:"server_id,omitempty"`
	LastModified  int64           `db:"last_modified" json:"last_modified"` // ms since epoch
	Deleted       bool            `db:"deleted" json:"deleted"`
	LastSyncError string          `db:"last_sync_error" json:"last_sync_error,omitempty"`
}

// TableName returns the table name for CachedRecord.
func (CachedRecord) TableName() string {
	return "records"
}

// LastModifiedTime returns LastModified as time.Time.
func (c *CachedRecord) LastModifiedTime() time.Time {
	return time.UnixMilli(c.LastModified)
}

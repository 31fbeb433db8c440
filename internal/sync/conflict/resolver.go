// Package conflict resolves collisions between locally queued mutations and
// newer server state.
package conflict

import (
	"strconv"
	"time"

	"github.com/tkhuang/stockpilot/internal/errors"
	"github.com/tkhuang/stockpilot/internal/logging"
	"github.com/tkhuang/stockpilot/internal/models"
)

// comparisonFields is the fixed set of domain fields considered during
// diffing. Server-only bookkeeping fields stay out of it so they never
// show up as spurious conflicts.
var comparisonFields = []string{"name", "sku", "category", "price", "quantity", "warehouse_id"}

// FieldDiff is one differing field between the local and server versions.
type FieldDiff struct {
	Field  string `json:"field"`
	Local  string `json:"local"`
	Server string `json:"server"`
}

// Action tells the engine what to do after a resolution.
type Action string

const (
	// ActionRequeue re-sends a payload, overwriting server state.
	ActionRequeue Action = "requeue"
	// ActionAdoptServer discards the local mutation and adopts the
	// server version into the cache.
	ActionAdoptServer Action = "adopt_server"
	// ActionRemoveLocal drops the record from the local cache, accepting
	// a server-side deletion or confirming a local one.
	ActionRemoveLocal Action = "remove_local"
	// ActionNone drops the queue entry and changes nothing else.
	ActionNone Action = "none"
)

// Outcome is the decision produced by resolving a conflict case.
type Outcome struct {
	Action    Action
	Operation models.Operation // for ActionRequeue
	Payload   *models.Record   // for ActionRequeue
	Server    *models.Record   // for ActionAdoptServer
	Strategy  models.Strategy  // strategy that actually decided, after lww collapse
	Audit     *models.AuditLogEntry
}

// Resolver applies resolution strategies to conflict cases.
type Resolver struct{}

// NewResolver creates a Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Diff computes the field-level differences between the local and server
// versions over the fixed comparison set. Either side may be nil (deleted).
func (r *Resolver) Diff(local, server *models.Record) []FieldDiff {
	var diffs []FieldDiff
	for _, field := range comparisonFields {
		lv := fieldValue(local, field)
		sv := fieldValue(server, field)
		if lv != sv {
			diffs = append(diffs, FieldDiff{Field: field, Local: lv, Server: sv})
		}
	}
	return diffs
}

// Resolve applies the requested strategy to a conflict case. Every path
// yields an audit entry; the engine appends it before acting on the
// outcome so a resolution is never applied unrecorded.
func (r *Resolver) Resolve(c *models.ConflictCase, res *models.Resolution) (*Outcome, error) {
	if c == nil || res == nil {
		return nil, errors.New(errors.ErrValidation, "conflict case and resolution are required")
	}
	if !models.ValidStrategy(res.Strategy) {
		return nil, errors.Newf(errors.ErrInvalidStrategy, "unknown strategy %q", res.Strategy)
	}

	// Special case: the local mutation is a DELETE. The decision is binary,
	// confirm the delete or abandon it, whatever the server side holds.
	// This is checked before the tombstone case: a confirmed delete must
	// never turn into a re-creating CREATE.
	if c.Operation == models.OperationDelete {
		return r.resolveDeleteCollision(c, res)
	}

	// Special case: the record is gone server-side. Only re-create or
	// accept the deletion make sense; there is nothing to merge or to
	// compare timestamps against.
	if c.ServerDeleted {
		return r.resolveServerDeleted(c, res)
	}

	switch res.Strategy {
	case models.StrategyKeepLocal:
		return r.outcome(c, models.StrategyKeepLocal, &Outcome{
			Action:    ActionRequeue,
			Operation: requeueOperation(c),
			Payload:   c.LocalVersion,
		}), nil

	case models.StrategyKeepServer:
		return r.outcome(c, models.StrategyKeepServer, &Outcome{
			Action: ActionAdoptServer,
			Server: c.ServerVersion,
		}), nil

	case models.StrategyMerge:
		if res.MergedPayload == nil {
			return nil, errors.New(errors.ErrMergeInvalid, "merge requires a merged payload")
		}
		if err := res.MergedPayload.Validate(c.EntityKind); err != nil {
			return nil, errors.Wrap(errors.ErrMergeInvalid, "merged payload rejected", err)
		}
		if res.MergedPayload.ID != c.EntityID {
			return nil, errors.New(errors.ErrMergeInvalid, "merged payload id does not match the conflicted entity")
		}
		return r.outcome(c, models.StrategyMerge, &Outcome{
			Action:    ActionRequeue,
			Operation: requeueOperation(c),
			Payload:   res.MergedPayload,
		}), nil

	case models.StrategyLastWriteWins:
		return r.resolveLastWriteWins(c)
	}

	return nil, errors.Newf(errors.ErrInvalidStrategy, "unknown strategy %q", res.Strategy)
}

// resolveLastWriteWins compares timestamps and picks automatically.
// Ties break in favor of the server, which already committed.
func (r *Resolver) resolveLastWriteWins(c *models.ConflictCase) (*Outcome, error) {
	localWins := c.LocalVersion != nil && c.ServerVersion != nil &&
		c.LocalVersion.UpdatedAt > c.ServerVersion.UpdatedAt

	if localWins {
		out := r.outcome(c, models.StrategyLastWriteWins, &Outcome{
			Action:    ActionRequeue,
			Operation: requeueOperation(c),
			Payload:   c.LocalVersion,
		})
		logging.Info("conflict resolved by last-write-wins", map[string]interface{}{
			"entity_id": c.EntityID,
			"winner":    "local",
		})
		return out, nil
	}

	out := r.outcome(c, models.StrategyLastWriteWins, &Outcome{
		Action: ActionAdoptServer,
		Server: c.ServerVersion,
	})
	logging.Info("conflict resolved by last-write-wins", map[string]interface{}{
		"entity_id": c.EntityID,
		"winner":    "server",
	})
	return out, nil
}

// resolveServerDeleted handles the tombstone case: re-create locally kept
// state, or accept the removal.
func (r *Resolver) resolveServerDeleted(c *models.ConflictCase, res *models.Resolution) (*Outcome, error) {
	switch res.Strategy {
	case models.StrategyKeepLocal:
		if c.LocalVersion == nil {
			// both sides deleted; nothing to re-create
			return r.outcome(c, models.StrategyKeepLocal, &Outcome{Action: ActionRemoveLocal}), nil
		}
		return r.outcome(c, models.StrategyKeepLocal, &Outcome{
			Action:    ActionRequeue,
			Operation: models.OperationCreate,
			Payload:   c.LocalVersion,
		}), nil
	case models.StrategyKeepServer:
		return r.outcome(c, models.StrategyKeepServer, &Outcome{Action: ActionRemoveLocal}), nil
	}
	return nil, errors.Newf(errors.ErrInvalidStrategy,
		"strategy %q is not valid when the record was deleted server-side", res.Strategy)
}

// resolveDeleteCollision handles a local DELETE that could not be applied:
// either newer server state exists, or the record is already gone
// server-side. Confirm the delete or abandon it; when both sides agree the
// record is gone there is nothing to restore and either strategy removes
// the local copy.
func (r *Resolver) resolveDeleteCollision(c *models.ConflictCase, res *models.Resolution) (*Outcome, error) {
	switch res.Strategy {
	case models.StrategyKeepLocal:
		// Confirm: the local tombstone stands, server state is left alone.
		return r.outcome(c, models.StrategyKeepLocal, &Outcome{Action: ActionRemoveLocal}), nil
	case models.StrategyKeepServer:
		if c.ServerVersion == nil {
			// Server deleted it too; abandoning the delete changes nothing.
			return r.outcome(c, models.StrategyKeepServer, &Outcome{Action: ActionRemoveLocal}), nil
		}
		// Abandon: restore the server's version locally.
		return r.outcome(c, models.StrategyKeepServer, &Outcome{
			Action: ActionAdoptServer,
			Server: c.ServerVersion,
		}), nil
	}
	return nil, errors.Newf(errors.ErrInvalidStrategy,
		"strategy %q is not valid for a delete collision", res.Strategy)
}

// outcome finalizes an Outcome with its strategy and audit entry.
func (r *Resolver) outcome(c *models.ConflictCase, strategy models.Strategy, out *Outcome) *Outcome {
	out.Strategy = strategy
	out.Audit = buildAudit(c, strategy)
	return out
}

func buildAudit(c *models.ConflictCase, strategy models.Strategy) *models.AuditLogEntry {
	entry := &models.AuditLogEntry{
		QueueEntryID: c.QueueEntryID,
		EntityKind:   c.EntityKind,
		EntityID:     c.EntityID,
		Strategy:     strategy,
		ResolvedAt:   time.Now().UnixMilli(),
	}
	if c.LocalVersion != nil {
		entry.LocalModified = c.LocalVersion.UpdatedAt
	}
	if c.ServerVersion != nil {
		entry.ServerModified = c.ServerVersion.UpdatedAt
	}
	return entry
}

// requeueOperation picks the operation for a re-sent payload. A conflicted
// CREATE means the server already has the record, so every replay that keeps
// local state goes out as an UPDATE.
func requeueOperation(c *models.ConflictCase) models.Operation {
	return models.OperationUpdate
}

// fieldValue extracts a comparison field as a display string. nil records
// (deleted sides) yield empty values.
func fieldValue(rec *models.Record, field string) string {
	if rec == nil {
		return ""
	}
	switch field {
	case "name":
		return rec.Name
	case "sku":
		return rec.SKU
	case "category":
		return rec.Category
	case "price":
		return rec.Price.String()
	case "quantity":
		return strconv.FormatInt(rec.Quantity, 10)
	case "warehouse_id":
		return string(rec.WarehouseID)
	}
	return ""
}

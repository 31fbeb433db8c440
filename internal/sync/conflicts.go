package sync

import (
	"context"
	"sort"
	"time"

	"github.com/tkhuang/stockpilot/internal/api"
	"github.com/tkhuang/stockpilot/internal/errors"
	"github.com/tkhuang/stockpilot/internal/logging"
	"github.com/tkhuang/stockpilot/internal/models"
	"github.com/tkhuang/stockpilot/internal/sync/conflict"
)

// handleConflict turns a 409/404 result into an open conflict case. The
// queue entry is consumed immediately; the case carries everything needed
// to replay the mutation if the resolution keeps local state. While the
// case is open the entity's remaining entries are excluded from draining.
func (e *Engine) handleConflict(entry *models.QueueEntry, result *api.Result) {
	c := &models.ConflictCase{
		QueueEntryID:  entry.ID,
		EntityKind:    entry.EntityKind,
		EntityID:      entry.EntityID,
		Operation:     entry.Operation,
		ServerVersion: result.ServerRecord,
		ServerDeleted: result.ServerDeleted || result.Outcome == api.OutcomeNotFound,
		DetectedAt:    time.Now().UnixMilli(),
	}
	if len(entry.Payload) > 0 {
		if local, err := models.UnmarshalRecord(entry.Payload); err == nil {
			c.LocalVersion = local
		}
	}

	if err := e.store.Remove(entry.ID); err != nil {
		logging.Error("failed to consume conflicted entry", err, map[string]interface{}{
			"queue_id": entry.ID,
		})
		return
	}
	// The entry is gone; the persisted case now carries the local payload
	// until the case is decided, so a crash cannot lose the mutation.
	if err := e.store.SaveConflictCase(c); err != nil {
		logging.Error("failed to persist conflict case", err, map[string]interface{}{
			"queue_id": entry.ID,
		})
	}
	// Keep the record visibly unsynced until the case is decided.
	if err := e.store.SetSyncStatus(entry.EntityID, models.SyncStatusPending, ""); err != nil &&
		!errors.Is(err, errors.ErrNotFound) {
		logging.Error("failed to flag conflicted record", err)
	}

	logging.Warn("conflict detected", map[string]interface{}{
		"queue_id":       entry.ID,
		"entity_id":      entry.EntityID,
		"operation":      entry.Operation,
		"server_deleted": c.ServerDeleted,
	})

	// A stored preference resolves the case without operator involvement.
	// Merge can never auto-apply: it needs a hand-built payload.
	pref, err := e.store.GetPreference()
	if err != nil {
		logging.Error("failed to load conflict preference", err)
	}
	if pref != nil && pref.Strategy != models.StrategyMerge {
		if err := e.resolveCase(c, &models.Resolution{Strategy: pref.Strategy}, true); err == nil {
			return
		}
		// The preference did not fit this case shape (for example
		// last_write_wins against a tombstone); fall through to interactive.
		logging.Info("stored preference not applicable, case requires operator", map[string]interface{}{
			"entity_id": c.EntityID,
			"strategy":  pref.Strategy,
		})
	}

	e.mu.Lock()
	e.conflicts[c.QueueEntryID] = c
	e.blocked[c.EntityID] = c.QueueEntryID
	e.mu.Unlock()

	e.publish(Event{Type: EventSyncConflict, Conflict: c})
}

// resolveCase applies a resolution to a case: the audit entry is persisted
// first, then the outcome's action, then bookkeeping. Resolving and
// recording are never reordered so the audit log cannot miss an applied
// resolution.
func (e *Engine) resolveCase(c *models.ConflictCase, res *models.Resolution, automatic bool) error {
	out, err := e.resolver.Resolve(c, res)
	if err != nil {
		return err
	}
	out.Audit.Automatic = automatic

	if err := e.store.AppendAudit(out.Audit); err != nil {
		return err
	}

	switch out.Action {
	case conflict.ActionRequeue:
		if _, err := e.store.Enqueue(out.Operation, c.EntityKind, out.Payload); err != nil {
			return err
		}
	case conflict.ActionAdoptServer:
		if err := e.store.AdoptServerRecord(c.EntityKind, out.Server); err != nil {
			return err
		}
	case conflict.ActionRemoveLocal:
		if err := e.store.RemoveRecord(c.EntityID); err != nil && !errors.Is(err, errors.ErrNotFound) {
			return err
		}
	case conflict.ActionNone:
	}

	if err := e.store.DeleteConflictCase(c.QueueEntryID); err != nil {
		logging.Error("failed to drop persisted conflict case", err)
	}

	e.mu.Lock()
	delete(e.conflicts, c.QueueEntryID)
	if e.blocked[c.EntityID] == c.QueueEntryID {
		delete(e.blocked, c.EntityID)
	}
	e.mu.Unlock()

	e.telemetry.RecordConflict()

	if res.UseForFuture && res.Strategy != models.StrategyMerge {
		if err := e.store.SetPreference(res.Strategy); err != nil {
			logging.Error("failed to persist conflict preference", err)
		}
	}

	logging.Info("conflict resolved", map[string]interface{}{
		"entity_id": c.EntityID,
		"strategy":  out.Strategy,
		"action":    out.Action,
		"automatic": automatic,
	})
	return nil
}

// ResolveConflict applies an operator-chosen resolution to an open case and
// nudges a drain so a requeued payload goes out promptly.
func (e *Engine) ResolveConflict(queueEntryID int64, res *models.Resolution) error {
	e.mu.Lock()
	c, ok := e.conflicts[queueEntryID]
	e.mu.Unlock()
	if !ok {
		return errors.Newf(errors.ErrConflictNotFound, "no open conflict for queue entry %d", queueEntryID)
	}

	if err := e.resolveCase(c, res, false); err != nil {
		return err
	}

	if e.monitor.IsServerReachable() {
		go e.drainInBackground(context.Background())
	}
	return nil
}

// RejectConflict discards an open case without resolving it: no audit
// entry, no cache change. The local mutation is abandoned and the record
// stays in whatever state the cache holds.
func (e *Engine) RejectConflict(queueEntryID int64) error {
	e.mu.Lock()
	c, ok := e.conflicts[queueEntryID]
	if ok {
		delete(e.conflicts, queueEntryID)
		if e.blocked[c.EntityID] == queueEntryID {
			delete(e.blocked, c.EntityID)
		}
	}
	e.mu.Unlock()
	if !ok {
		return errors.Newf(errors.ErrConflictNotFound, "no open conflict for queue entry %d", queueEntryID)
	}

	if err := e.store.DeleteConflictCase(queueEntryID); err != nil {
		logging.Error("failed to drop persisted conflict case", err)
	}

	logging.Info("conflict rejected without resolution", map[string]interface{}{
		"entity_id": c.EntityID,
		"queue_id":  queueEntryID,
	})
	return nil
}

// PendingConflicts lists the open cases in detection order.
func (e *Engine) PendingConflicts() []*models.ConflictCase {
	e.mu.Lock()
	cases := make([]*models.ConflictCase, 0, len(e.conflicts))
	for _, c := range e.conflicts {
		cases = append(cases, c)
	}
	e.mu.Unlock()

	sort.Slice(cases, func(i, j int) bool {
		return cases[i].QueueEntryID < cases[j].QueueEntryID
	})
	return cases
}

// DiffConflict returns the field-level differences for an open case, for
// operator display before choosing a strategy.
func (e *Engine) DiffConflict(queueEntryID int64) ([]conflict.FieldDiff, error) {
	e.mu.Lock()
	c, ok := e.conflicts[queueEntryID]
	e.mu.Unlock()
	if !ok {
		return nil, errors.Newf(errors.ErrConflictNotFound, "no open conflict for queue entry %d", queueEntryID)
	}
	return e.resolver.Diff(c.LocalVersion, c.ServerVersion), nil
}

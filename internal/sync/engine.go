// Package sync implements the sync orchestrator: it drains the durable
// mutation queue in order, applies retry backoff, classifies failures,
// detects conflicts and emits lifecycle events.
package sync

import (
	"context"
	gosync "sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tkhuang/stockpilot/internal/api"
	"github.com/tkhuang/stockpilot/internal/config"
	"github.com/tkhuang/stockpilot/internal/errors"
	"github.com/tkhuang/stockpilot/internal/logging"
	"github.com/tkhuang/stockpilot/internal/models"
	"github.com/tkhuang/stockpilot/internal/netmon"
	"github.com/tkhuang/stockpilot/internal/store"
	"github.com/tkhuang/stockpilot/internal/sync/conflict"
	"github.com/tkhuang/stockpilot/internal/telemetry"
)

// Engine is the single sync orchestrator for a client process. It owns the
// drain state machine; all queue transitions flow through the store's
// atomic methods so a UI-triggered retry and a background drain can never
// trample each other.
type Engine struct {
	cfg       *config.Config
	store     *store.Store
	client    *api.Client
	monitor   *netmon.Monitor
	resolver  *conflict.Resolver
	telemetry *telemetry.Telemetry

	mu        gosync.Mutex
	syncing   bool
	conflicts map[int64]*models.ConflictCase // open cases by queue entry id
	blocked   map[models.UUID]int64          // entity -> queue entry id of its open case
	warned    bool                           // storage-exhausted warned this session

	subsMu gosync.RWMutex
	subs   []func(Event)

	stopCh   chan struct{}
	stopOnce gosync.Once
	wg       gosync.WaitGroup
}

// New constructs the engine and performs crash recovery: entries still
// marked syncing from a previous run are reclassified to pending, and open
// conflict cases persisted by a previous run are reloaded, before any drain
// pass can begin.
func New(cfg *config.Config, st *store.Store, client *api.Client, monitor *netmon.Monitor) (*Engine, error) {
	recovered, err := st.ResetSyncing()
	if err != nil {
		return nil, err
	}
	if recovered > 0 {
		logging.Warn("recovered in-flight entries from a previous crash", map[string]interface{}{
			"count": recovered,
		})
	}

	cases, err := st.ListConflictCases()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:       cfg,
		store:     st,
		client:    client,
		monitor:   monitor,
		resolver:  conflict.NewResolver(),
		telemetry: telemetry.New(st),
		conflicts: make(map[int64]*models.ConflictCase),
		blocked:   make(map[models.UUID]int64),
		stopCh:    make(chan struct{}),
	}
	for _, c := range cases {
		e.conflicts[c.QueueEntryID] = c
		e.blocked[c.EntityID] = c.QueueEntryID
	}
	if len(cases) > 0 {
		logging.Info("reloaded open conflict cases", map[string]interface{}{
			"count": len(cases),
		})
	}
	return e, nil
}

// Telemetry exposes the engine's telemetry collector.
func (e *Engine) Telemetry() *telemetry.Telemetry {
	return e.telemetry
}

// Store exposes the underlying store for read-side callers (listing
// records, exporting snapshots). Mutations still go through the engine.
func (e *Engine) Store() *store.Store {
	return e.store
}

// Enqueue buffers a mutation durably and applies it to the local cache
// optimistically, then nudges a background drain when the server is
// reachable. Local durability never blocks on connectivity.
func (e *Engine) Enqueue(op models.Operation, kind models.EntityKind, payload *models.Record) (*models.QueueEntry, error) {
	entry, err := e.store.Enqueue(op, kind, payload)
	if err != nil {
		if errors.Is(err, errors.ErrStorageExhausted) {
			e.warnExhaustedOnce()
		}
		return nil, err
	}

	logging.Debug("mutation enqueued", map[string]interface{}{
		"queue_id":  entry.ID,
		"operation": entry.Operation,
		"entity":    entry.EntityID,
	})

	if e.monitor.IsServerReachable() {
		go func() {
			if _, err := e.ProcessQueue(context.Background()); err != nil &&
				!errors.Is(err, errors.ErrSyncInProgress) && !errors.Is(err, errors.ErrOffline) {
				logging.Error("background drain failed", err)
			}
		}()
	}

	return entry, nil
}

// warnExhaustedOnce warns the operator exactly once per session that the
// local queue can no longer accept mutations.
func (e *Engine) warnExhaustedOnce() {
	e.mu.Lock()
	warned := e.warned
	e.warned = true
	e.mu.Unlock()
	if !warned {
		logging.Warn("local mutation queue is full; new mutations must go direct-to-server until it drains")
	}
}

// QueueStatus returns the pending/syncing/failed counts for UI badges.
func (e *Engine) QueueStatus() (pending, syncing, failed int, err error) {
	if pending, err = e.store.CountByStatus(models.QueueStatusPending); err != nil {
		return
	}
	if syncing, err = e.store.CountByStatus(models.QueueStatusSyncing); err != nil {
		return
	}
	failed, err = e.store.CountByStatus(models.QueueStatusFailed)
	return
}

// entityGroup is the ordered slice of pending entries for one entity.
// Entries within a group are replayed strictly in order; groups for
// different entities may be drained concurrently.
type entityGroup struct {
	entityID models.UUID
	entries  []*models.QueueEntry
}

// ProcessQueue runs one drain pass and returns its summary. While the host
// is offline no entries are touched and no remote call is made: the pass
// fails fast with a single sync-failed event.
func (e *Engine) ProcessQueue(ctx context.Context) (*Summary, error) {
	if !e.monitor.IsOnline() {
		e.telemetry.MarkOffline()
		e.publish(Event{Type: EventSyncFailed, Reason: "offline"})
		return nil, errors.New(errors.ErrOffline, "host is offline")
	}
	e.telemetry.MarkOnline()

	e.mu.Lock()
	if e.syncing {
		e.mu.Unlock()
		return nil, errors.New(errors.ErrSyncInProgress, "a drain pass is already running")
	}
	e.syncing = true
	e.mu.Unlock()

	start := time.Now()
	summary := &Summary{}
	defer func() {
		e.mu.Lock()
		e.syncing = false
		e.mu.Unlock()
		summary.Duration = time.Since(start)
	}()

	groups, err := e.collectGroups()
	if err != nil {
		return nil, err
	}

	e.publish(Event{Type: EventSyncStarted})

	var attempted int
	for _, g := range groups {
		attempted += len(g.entries)
	}

	var completed int64
	var sumMu gosync.Mutex

	eg, gctx := errgroup.WithContext(ctx)
	eg.SetLimit(e.cfg.DrainConcurrency)

	for _, g := range groups {
		group := g
		eg.Go(func() error {
			outcomes := e.drainGroup(gctx, group)
			sumMu.Lock()
			summary.Synced = append(summary.Synced, outcomes.synced...)
			summary.Pending = append(summary.Pending, outcomes.pending...)
			summary.Failed = append(summary.Failed, outcomes.failed...)
			summary.Conflicts = append(summary.Conflicts, outcomes.conflicts...)
			sumMu.Unlock()

			done := atomic.AddInt64(&completed, int64(len(group.entries)))
			if attempted > 0 {
				e.publish(Event{
					Type:    EventSyncProgress,
					Percent: int(done * 100 / int64(attempted)),
				})
			}
			return nil
		})
	}
	eg.Wait()

	if !e.monitor.IsOnline() {
		// went offline mid-pass
		e.telemetry.MarkOffline()
		e.publish(Event{Type: EventSyncFailed, Reason: "offline"})
		return summary, nil
	}

	e.publish(Event{Type: EventSyncCompleted, Summary: summary})
	return summary, nil
}

// collectGroups fetches pending entries in enqueue order and partitions
// them per entity, preserving relative order. Entities with an open
// conflict case or a failed entry ahead of them are excluded wholesale so
// replay order is never violated.
func (e *Engine) collectGroups() ([]*entityGroup, error) {
	pending, err := e.store.ListByStatus(models.QueueStatusPending)
	if err != nil {
		return nil, err
	}

	skip := make(map[models.UUID]bool)

	e.mu.Lock()
	for entity := range e.blocked {
		skip[entity] = true
	}
	e.mu.Unlock()

	failed, err := e.store.ListByStatus(models.QueueStatusFailed)
	if err != nil {
		return nil, err
	}
	for _, entry := range failed {
		skip[entry.EntityID] = true
	}

	var groups []*entityGroup
	index := make(map[models.UUID]*entityGroup)
	for _, entry := range pending {
		if skip[entry.EntityID] {
			continue
		}
		g, ok := index[entry.EntityID]
		if !ok {
			g = &entityGroup{entityID: entry.EntityID}
			index[entry.EntityID] = g
			groups = append(groups, g)
		}
		g.entries = append(g.entries, entry)
	}
	return groups, nil
}

// groupOutcomes accumulates per-entry results inside one entity group.
type groupOutcomes struct {
	synced    []int64
	pending   []int64
	failed    []int64
	conflicts []int64
}

// drainGroup replays one entity's entries strictly in order. The group
// stops at the first entry that does not succeed: a later UPDATE must
// never race ahead of its own failed or conflicted predecessor.
func (e *Engine) drainGroup(ctx context.Context, group *entityGroup) groupOutcomes {
	var out groupOutcomes
	now := time.Now()

	for i, entry := range group.entries {
		if !entry.Ready(now) {
			// backoff window still open; everything behind it waits
			out.pending = append(out.pending, remainingIDs(group.entries[i:])...)
			return out
		}
		select {
		case <-ctx.Done():
			out.pending = append(out.pending, remainingIDs(group.entries[i:])...)
			return out
		default:
		}

		if err := e.store.MarkSyncing(entry.ID); err != nil {
			// another drain path claimed this entity; leave the rest queued
			out.pending = append(out.pending, remainingIDs(group.entries[i:])...)
			return out
		}

		result, err := e.client.Send(ctx, entry)
		if err != nil {
			// local serialization problem; surface for operator action
			e.failEntry(entry, err.Error())
			out.failed = append(out.failed, entry.ID)
			out.pending = append(out.pending, remainingIDs(group.entries[i+1:])...)
			return out
		}

		switch result.Outcome {
		case api.OutcomeSuccess:
			e.completeEntry(entry, result)
			out.synced = append(out.synced, entry.ID)

		case api.OutcomeRetryable:
			e.retryEntryLater(entry, result)
			out.pending = append(out.pending, entry.ID)
			out.pending = append(out.pending, remainingIDs(group.entries[i+1:])...)
			return out

		case api.OutcomeRejected:
			msg := "server rejected request"
			if result.Err != nil {
				msg = result.Err.Error()
			}
			e.failEntry(entry, msg)
			out.failed = append(out.failed, entry.ID)
			out.pending = append(out.pending, remainingIDs(group.entries[i+1:])...)
			return out

		case api.OutcomeConflict, api.OutcomeNotFound:
			if result.Outcome == api.OutcomeNotFound && entry.Operation == models.OperationCreate {
				// POST has no resource to miss; treat as rejection
				e.failEntry(entry, "create target not found")
				out.failed = append(out.failed, entry.ID)
			} else {
				e.handleConflict(entry, result)
				out.conflicts = append(out.conflicts, entry.ID)
			}
			out.pending = append(out.pending, remainingIDs(group.entries[i+1:])...)
			return out
		}
	}
	return out
}

// completeEntry finalizes a confirmed mutation: the queue entry goes away,
// the cached record becomes synced and adopts the server id when the
// response carries one.
func (e *Engine) completeEntry(entry *models.QueueEntry, result *api.Result) {
	if err := e.store.Remove(entry.ID); err != nil {
		logging.Error("failed to remove confirmed entry", err, map[string]interface{}{
			"queue_id": entry.ID,
		})
		return
	}
	if result.ServerRecord != nil && result.ServerRecord.ID != "" {
		if err := e.store.SetServerID(entry.EntityID, result.ServerRecord.ID); err != nil {
			logging.Error("failed to record server id", err)
		}
	}
	if entry.Operation == models.OperationDelete {
		if err := e.store.RemoveRecord(entry.EntityID); err != nil && !errors.Is(err, errors.ErrNotFound) {
			logging.Error("failed to drop deleted record", err)
		}
	}
	e.telemetry.RecordSuccess(result.RoundTrip)
}

// retryEntryLater returns an entry to pending with backoff after a
// recoverable failure. The entry is never abandoned: it stays queued until
// it succeeds or an operator clears it, because losing a sale or an
// inventory change is unacceptable.
func (e *Engine) retryEntryLater(entry *models.QueueEntry, result *api.Result) {
	msg := "request failed"
	if result.Err != nil {
		msg = result.Err.Error()
	}
	delay := e.cfg.Backoff(entry.Attempts + 1)
	nextRetry := time.Now().Add(delay).UnixMilli()

	if err := e.store.MarkPendingWithAttempt(entry.ID, msg, nextRetry); err != nil {
		logging.Error("failed to reschedule entry", err, map[string]interface{}{
			"queue_id": entry.ID,
		})
	}
	e.telemetry.RecordFailure()

	logging.Warn("mutation will be retried", map[string]interface{}{
		"queue_id": entry.ID,
		"attempt":  entry.Attempts + 1,
		"delay":    delay.String(),
		"error":    msg,
	})
}

// failEntry marks an entry failed after a non-retryable rejection and flags
// the cached record for operator attention.
func (e *Engine) failEntry(entry *models.QueueEntry, msg string) {
	if err := e.store.MarkFailed(entry.ID, msg); err != nil {
		logging.Error("failed to mark entry failed", err, map[string]interface{}{
			"queue_id": entry.ID,
		})
	}
	if err := e.store.SetSyncStatus(entry.EntityID, models.SyncStatusError, msg); err != nil &&
		!errors.Is(err, errors.ErrNotFound) {
		logging.Error("failed to flag record error", err)
	}
	e.telemetry.RecordFailure()
}

// remainingIDs lists queue entry ids, used to report the untouched tail of
// a stopped group as still pending.
func remainingIDs(entries []*models.QueueEntry) []int64 {
	ids := make([]int64, 0, len(entries))
	for _, entry := range entries {
		ids = append(ids, entry.ID)
	}
	return ids
}

// Start runs the background loop: an immediate drain on every offline-to-
// online transition and a periodic drain while running. The monitor's
// probe loop is started alongside.
func (e *Engine) Start(ctx context.Context) {
	e.monitor.Start(ctx)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.cfg.SyncInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-e.stopCh:
				return
			case <-e.monitor.Transitions():
				e.telemetry.MarkOnline()
				e.drainInBackground(ctx)
			case <-ticker.C:
				if e.monitor.IsServerReachable() {
					e.drainInBackground(ctx)
				}
			}
		}
	}()
}

func (e *Engine) drainInBackground(ctx context.Context) {
	if _, err := e.ProcessQueue(ctx); err != nil &&
		!errors.Is(err, errors.ErrSyncInProgress) && !errors.Is(err, errors.ErrOffline) {
		logging.Error("scheduled drain failed", err)
	}
}

// Stop halts the background loop and the monitor.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stopCh) })
	e.wg.Wait()
	e.monitor.Stop()
}

// RetryEntry resets one failed entry for another attempt and nudges a
// drain.
func (e *Engine) RetryEntry(id int64) error {
	if err := e.store.RetryEntry(id); err != nil {
		return err
	}
	if e.monitor.IsServerReachable() {
		go e.drainInBackground(context.Background())
	}
	return nil
}

// ClearFailed removes all failed entries on explicit operator request.
func (e *Engine) ClearFailed() (int, error) {
	return e.store.ClearFailed()
}

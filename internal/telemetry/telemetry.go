// Package telemetry records sync outcomes: success/failure counters,
// round-trip timing, accumulated offline time and conflict totals. Counters
// are durable (they survive process restart) and resettable by an explicit
// operator action.
package telemetry

import (
	"sync"
	"time"

	"github.com/tkhuang/stockpilot/internal/logging"
	"github.com/tkhuang/stockpilot/internal/store"
)

const (
	keySuccessCount  = "telemetry:success_count"
	keyFailCount     = "telemetry:fail_count"
	keyConflictCount = "telemetry:conflict_count"
	keyOfflineMs     = "telemetry:offline_ms"
	keyAvgRTTMs      = "telemetry:avg_rtt_ms"
)

// rttWindow bounds the in-memory sample set for the rolling average.
const rttWindow = 50

// Stats is a point-in-time view of the collected telemetry.
type Stats struct {
	SuccessCount    int64         `json:"success_count"`
	FailCount       int64         `json:"fail_count"`
	SuccessRate     float64       `json:"success_rate"`
	ConflictCount   int64         `json:"conflict_count"`
	AvgRoundTrip    time.Duration `json:"avg_round_trip"`
	OfflineDuration time.Duration `json:"offline_duration"`
}

// Telemetry accumulates counters into the store's metadata table.
type Telemetry struct {
	store *store.Store

	mu           sync.Mutex
	rtts         []time.Duration
	offlineSince time.Time // zero while online
}

// New creates a Telemetry backed by the given store.
func New(s *store.Store) *Telemetry {
	return &Telemetry{store: s}
}

// RecordSuccess counts one confirmed remote mutation and its round trip.
func (t *Telemetry) RecordSuccess(rtt time.Duration) {
	if _, err := t.store.AddCounter(keySuccessCount, 1); err != nil {
		logging.Error("failed to persist success counter", err)
	}
	t.recordRTT(rtt)
}

// RecordFailure counts one failed remote mutation attempt.
func (t *Telemetry) RecordFailure() {
	if _, err := t.store.AddCounter(keyFailCount, 1); err != nil {
		logging.Error("failed to persist failure counter", err)
	}
}

// RecordConflict counts one resolved conflict case.
func (t *Telemetry) RecordConflict() {
	if _, err := t.store.AddCounter(keyConflictCount, 1); err != nil {
		logging.Error("failed to persist conflict counter", err)
	}
}

// MarkOffline starts an offline span. Idempotent while already offline.
func (t *Telemetry) MarkOffline() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.offlineSince.IsZero() {
		t.offlineSince = time.Now()
	}
}

// MarkOnline closes the current offline span and accumulates its duration.
func (t *Telemetry) MarkOnline() {
	t.mu.Lock()
	since := t.offlineSince
	t.offlineSince = time.Time{}
	t.mu.Unlock()

	if since.IsZero() {
		return
	}
	spent := time.Since(since).Milliseconds()
	if _, err := t.store.AddCounter(keyOfflineMs, spent); err != nil {
		logging.Error("failed to persist offline duration", err)
	}
}

// recordRTT folds a sample into the rolling window and persists the average.
func (t *Telemetry) recordRTT(rtt time.Duration) {
	t.mu.Lock()
	t.rtts = append(t.rtts, rtt)
	if len(t.rtts) > rttWindow {
		t.rtts = t.rtts[len(t.rtts)-rttWindow:]
	}
	var total time.Duration
	for _, d := range t.rtts {
		total += d
	}
	avg := total / time.Duration(len(t.rtts))
	t.mu.Unlock()

	if err := t.store.SetCounter(keyAvgRTTMs, avg.Milliseconds()); err != nil {
		logging.Error("failed to persist round-trip average", err)
	}
}

// Snapshot returns the current stats.
func (t *Telemetry) Snapshot() (*Stats, error) {
	success, err := t.store.GetCounter(keySuccessCount)
	if err != nil {
		return nil, err
	}
	fail, err := t.store.GetCounter(keyFailCount)
	if err != nil {
		return nil, err
	}
	conflicts, err := t.store.GetCounter(keyConflictCount)
	if err != nil {
		return nil, err
	}
	offlineMs, err := t.store.GetCounter(keyOfflineMs)
	if err != nil {
		return nil, err
	}
	avgMs, err := t.store.GetCounter(keyAvgRTTMs)
	if err != nil {
		return nil, err
	}

	// An open offline span counts up to now.
	t.mu.Lock()
	if !t.offlineSince.IsZero() {
		offlineMs += time.Since(t.offlineSince).Milliseconds()
	}
	t.mu.Unlock()

	stats := &Stats{
		SuccessCount:    success,
		FailCount:       fail,
		ConflictCount:   conflicts,
		AvgRoundTrip:    time.Duration(avgMs) * time.Millisecond,
		OfflineDuration: time.Duration(offlineMs) * time.Millisecond,
	}
	if total := success + fail; total > 0 {
		stats.SuccessRate = float64(success) / float64(total)
	}
	return stats, nil
}

// Reset clears all durable counters and the in-memory window.
func (t *Telemetry) Reset() error {
	for _, key := range []string{keySuccessCount, keyFailCount, keyConflictCount, keyOfflineMs, keyAvgRTTMs} {
		if err := t.store.DeleteMeta(key); err != nil {
			return err
		}
	}
	t.mu.Lock()
	t.rtts = nil
	t.mu.Unlock()
	return nil
}

// Package sync orchestrates draining the offline mutation queue against the
// remote API.
package sync

import (
	"time"

	"github.com/tkhuang/stockpilot/internal/models"
)

// EventType names the lifecycle events the engine publishes.
type EventType string

const (
	EventSyncStarted   EventType = "sync-started"
	EventSyncProgress  EventType = "sync-progress"
	EventSyncCompleted EventType = "sync-completed"
	EventSyncFailed    EventType = "sync-failed"
	EventSyncConflict  EventType = "sync-conflict"
)

// Event is one lifecycle notification. Only the fields relevant to the
// event type are populated.
type Event struct {
	Type      EventType            `json:"type"`
	Timestamp time.Time            `json:"timestamp"`
	Percent   int                  `json:"percent,omitempty"`  // sync-progress
	Summary   *Summary             `json:"summary,omitempty"`  // sync-completed
	Reason    string               `json:"reason,omitempty"`   // sync-failed
	Conflict  *models.ConflictCase `json:"conflict,omitempty"` // sync-conflict
}

// Summary reports the outcome of one drain pass by queue entry id.
type Summary struct {
	Synced    []int64       `json:"synced"`
	Pending   []int64       `json:"pending"`
	Failed    []int64       `json:"failed"`
	Conflicts []int64       `json:"conflicts"`
	Duration  time.Duration `json:"duration"`
}

// Subscribe registers an observer for engine events. Observers are invoked
// synchronously in publish order; slow observers should hand off to their
// own goroutine.
func (e *Engine) Subscribe(fn func(Event)) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	e.subs = append(e.subs, fn)
}

// publish delivers an event to all observers.
func (e *Engine) publish(event Event) {
	event.Timestamp = time.Now()

	e.subsMu.RLock()
	subs := make([]func(Event), len(e.subs))
	copy(subs, e.subs)
	e.subsMu.RUnlock()

	for _, fn := range subs {
		fn(event)
	}
}

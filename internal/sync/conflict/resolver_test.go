// Package conflict tests for strategy application and field diffing.
package conflict

import (
	"testing"

	"github.com/shopspring/decimal"

	"github.com/tkhuang/stockpilot/internal/errors"
	"github.com/tkhuang/stockpilot/internal/models"
)

const entityID models.UUID = "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa"

func record(name string, qty int64, updatedAt int64) *models.Record {
	return &models.Record{
		ID:        entityID,
		Name:      name,
		SKU:       "SKU-1",
		Price:     decimal.NewFromInt(10),
		Quantity:  qty,
		UpdatedAt: updatedAt,
	}
}

func updateCase(localAt, serverAt int64) *models.ConflictCase {
	return &models.ConflictCase{
		QueueEntryID:  7,
		EntityKind:    models.KindProduct,
		EntityID:      entityID,
		Operation:     models.OperationUpdate,
		LocalVersion:  record("local", 5, localAt),
		ServerVersion: record("server", 9, serverAt),
	}
}

// TestResolve_keepLocal verifies local state is re-sent as an UPDATE,
// overwriting the server.
func TestResolve_keepLocal(t *testing.T) {
	r := NewResolver()
	out, err := r.Resolve(updateCase(100, 200), &models.Resolution{Strategy: models.StrategyKeepLocal})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if out.Action != ActionRequeue {
		t.Fatalf("Action = %s, want requeue", out.Action)
	}
	if out.Operation != models.OperationUpdate {
		t.Errorf("Operation = %s, want UPDATE", out.Operation)
	}
	if out.Payload.Name != "local" {
		t.Errorf("Payload = %+v, want the local version", out.Payload)
	}
	if out.Audit == nil || out.Audit.Strategy != models.StrategyKeepLocal {
		t.Error("resolution did not produce its audit entry")
	}
}

// TestResolve_keepServer verifies the server version is adopted.
func TestResolve_keepServer(t *testing.T) {
	r := NewResolver()
	out, err := r.Resolve(updateCase(100, 200), &models.Resolution{Strategy: models.StrategyKeepServer})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if out.Action != ActionAdoptServer {
		t.Fatalf("Action = %s, want adopt_server", out.Action)
	}
	if out.Server.Name != "server" {
		t.Errorf("Server = %+v, want the server version", out.Server)
	}
}

// TestResolve_merge verifies the merged payload is validated and re-sent.
func TestResolve_merge(t *testing.T) {
	r := NewResolver()
	c := updateCase(100, 200)

	merged := record("merged", 9, 300)
	out, err := r.Resolve(c, &models.Resolution{
		Strategy:      models.StrategyMerge,
		MergedPayload: merged,
	})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if out.Action != ActionRequeue || out.Payload.Name != "merged" {
		t.Errorf("got action=%s payload=%+v, want requeued merge", out.Action, out.Payload)
	}

	// Merge without a payload is invalid.
	_, err = r.Resolve(c, &models.Resolution{Strategy: models.StrategyMerge})
	if !errors.Is(err, errors.ErrMergeInvalid) {
		t.Errorf("merge without payload: err = %v, want MERGE_INVALID", err)
	}

	// A merged payload for a different entity is invalid.
	wrong := record("merged", 9, 300)
	wrong.ID = "bbbbbbbb-bbbb-4bbb-8bbb-bbbbbbbbbbbb"
	_, err = r.Resolve(c, &models.Resolution{Strategy: models.StrategyMerge, MergedPayload: wrong})
	if !errors.Is(err, errors.ErrMergeInvalid) {
		t.Errorf("merge with wrong id: err = %v, want MERGE_INVALID", err)
	}

	// A merged payload failing domain validation is invalid.
	invalid := record("merged", 9, 300)
	invalid.SKU = ""
	_, err = r.Resolve(c, &models.Resolution{Strategy: models.StrategyMerge, MergedPayload: invalid})
	if !errors.Is(err, errors.ErrMergeInvalid) {
		t.Errorf("merge with invalid payload: err = %v, want MERGE_INVALID", err)
	}
}

// TestResolve_lastWriteWins verifies timestamp comparison with server-wins
// ties.
func TestResolve_lastWriteWins(t *testing.T) {
	r := NewResolver()
	lww := &models.Resolution{Strategy: models.StrategyLastWriteWins}

	out, err := r.Resolve(updateCase(200, 100), lww)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if out.Action != ActionRequeue || out.Payload.Name != "local" {
		t.Errorf("newer local lost: action=%s", out.Action)
	}

	out, err = r.Resolve(updateCase(100, 200), lww)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if out.Action != ActionAdoptServer {
		t.Errorf("newer server lost: action=%s", out.Action)
	}

	// Equal timestamps: the server already committed, it wins.
	out, err = r.Resolve(updateCase(150, 150), lww)
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if out.Action != ActionAdoptServer {
		t.Errorf("tie broke toward local: action=%s", out.Action)
	}
}

// TestResolve_serverDeleted verifies the tombstone case: only re-create or
// accept-removal are legal.
func TestResolve_serverDeleted(t *testing.T) {
	r := NewResolver()
	c := &models.ConflictCase{
		QueueEntryID:  7,
		EntityKind:    models.KindProduct,
		EntityID:      entityID,
		Operation:     models.OperationUpdate,
		LocalVersion:  record("local", 5, 100),
		ServerDeleted: true,
	}

	out, err := r.Resolve(c, &models.Resolution{Strategy: models.StrategyKeepLocal})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if out.Action != ActionRequeue || out.Operation != models.OperationCreate {
		t.Errorf("keep_local on tombstone: got %s/%s, want requeue/CREATE", out.Action, out.Operation)
	}

	out, err = r.Resolve(c, &models.Resolution{Strategy: models.StrategyKeepServer})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if out.Action != ActionRemoveLocal {
		t.Errorf("keep_server on tombstone: action=%s, want remove_local", out.Action)
	}

	for _, s := range []models.Strategy{models.StrategyMerge, models.StrategyLastWriteWins} {
		if _, err := r.Resolve(c, &models.Resolution{Strategy: s}); !errors.Is(err, errors.ErrInvalidStrategy) {
			t.Errorf("%s on tombstone: err = %v, want INVALID_STRATEGY", s, err)
		}
	}
}

// TestResolve_deleteCollision verifies a local DELETE against newer server
// state is a binary confirm-or-abandon decision.
func TestResolve_deleteCollision(t *testing.T) {
	r := NewResolver()
	c := &models.ConflictCase{
		QueueEntryID:  7,
		EntityKind:    models.KindProduct,
		EntityID:      entityID,
		Operation:     models.OperationDelete,
		LocalVersion:  record("local", 5, 100),
		ServerVersion: record("server", 9, 200),
	}

	out, err := r.Resolve(c, &models.Resolution{Strategy: models.StrategyKeepLocal})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if out.Action != ActionRemoveLocal {
		t.Errorf("confirmed delete: action=%s, want remove_local", out.Action)
	}

	out, err = r.Resolve(c, &models.Resolution{Strategy: models.StrategyKeepServer})
	if err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if out.Action != ActionAdoptServer {
		t.Errorf("abandoned delete: action=%s, want adopt_server", out.Action)
	}

	if _, err := r.Resolve(c, &models.Resolution{Strategy: models.StrategyMerge, MergedPayload: record("m", 1, 1)}); !errors.Is(err, errors.ErrInvalidStrategy) {
		t.Errorf("merge on delete collision: err = %v, want INVALID_STRATEGY", err)
	}
}

// TestResolve_deleteAgainstTombstone verifies a local DELETE whose target is
// already gone server-side stays binary: either strategy removes the local
// copy, and a confirmed delete never turns into a re-creating CREATE.
func TestResolve_deleteAgainstTombstone(t *testing.T) {
	r := NewResolver()
	c := &models.ConflictCase{
		QueueEntryID:  7,
		EntityKind:    models.KindProduct,
		EntityID:      entityID,
		Operation:     models.OperationDelete,
		LocalVersion:  record("local", 5, 100),
		ServerDeleted: true,
	}

	for _, s := range []models.Strategy{models.StrategyKeepLocal, models.StrategyKeepServer} {
		out, err := r.Resolve(c, &models.Resolution{Strategy: s})
		if err != nil {
			t.Fatalf("Resolve(%s) error = %v", s, err)
		}
		if out.Action != ActionRemoveLocal {
			t.Errorf("%s: action = %s, want remove_local", s, out.Action)
		}
		if out.Operation == models.OperationCreate {
			t.Errorf("%s: confirmed delete turned into a re-create", s)
		}
		if out.Audit == nil || out.Audit.Strategy != s {
			t.Errorf("%s: resolution did not produce its audit entry", s)
		}
	}

	for _, s := range []models.Strategy{models.StrategyMerge, models.StrategyLastWriteWins} {
		if _, err := r.Resolve(c, &models.Resolution{Strategy: s}); !errors.Is(err, errors.ErrInvalidStrategy) {
			t.Errorf("%s on delete vs tombstone: err = %v, want INVALID_STRATEGY", s, err)
		}
	}
}

// TestResolve_unknownStrategy verifies the closed strategy set.
func TestResolve_unknownStrategy(t *testing.T) {
	r := NewResolver()
	_, err := r.Resolve(updateCase(1, 2), &models.Resolution{Strategy: "coin_flip"})
	if !errors.Is(err, errors.ErrInvalidStrategy) {
		t.Errorf("err = %v, want INVALID_STRATEGY", err)
	}
}

// TestDiff verifies field-level comparison over the fixed set, including
// deleted sides.
func TestDiff(t *testing.T) {
	r := NewResolver()

	local := record("local", 5, 100)
	server := record("local", 9, 200)
	diffs := r.Diff(local, server)
	if len(diffs) != 1 {
		t.Fatalf("Diff() = %v, want exactly the quantity difference", diffs)
	}
	if diffs[0].Field != "quantity" || diffs[0].Local != "5" || diffs[0].Server != "9" {
		t.Errorf("diff = %+v", diffs[0])
	}

	// UpdatedAt is bookkeeping, not a domain field: identical domain fields
	// diff clean regardless of timestamps.
	if diffs := r.Diff(record("x", 1, 100), record("x", 1, 999)); len(diffs) != 0 {
		t.Errorf("timestamps leaked into the diff: %v", diffs)
	}

	// A nil side (deleted) diffs against empty values.
	diffs = r.Diff(local, nil)
	if len(diffs) == 0 {
		t.Error("Diff() against a deleted side reported no differences")
	}
}

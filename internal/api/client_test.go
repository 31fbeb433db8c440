// Package api tests for request mapping and outcome classification.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/tkhuang/stockpilot/internal/errors"
	"github.com/tkhuang/stockpilot/internal/models"
)

func testEntry(op models.Operation) *models.QueueEntry {
	rec := &models.Record{
		ID:       "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa",
		Name:     "Hand Truck",
		SKU:      "HT-1",
		Price:    decimal.NewFromInt(59),
		Quantity: 3,
	}
	payload, _ := rec.Marshal()
	return &models.QueueEntry{
		ID:             1,
		Operation:      op,
		EntityKind:     models.KindProduct,
		EntityID:       rec.ID,
		Payload:        payload,
		IdempotencyKey: "11111111-1111-4111-8111-111111111111",
	}
}

// TestSend_requestMapping verifies operation-to-HTTP mapping and the
// idempotency header.
func TestSend_requestMapping(t *testing.T) {
	cases := []struct {
		op     models.Operation
		method string
		path   string
	}{
		{models.OperationCreate, http.MethodPost, "/products"},
		{models.OperationUpdate, http.MethodPut, "/products/aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa"},
		{models.OperationDelete, http.MethodDelete, "/products/aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa"},
	}

	for _, tc := range cases {
		t.Run(string(tc.op), func(t *testing.T) {
			var gotMethod, gotPath, gotKey string
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotMethod = r.Method
				gotPath = r.URL.Path
				gotKey = r.Header.Get("X-Idempotency-Key")
				w.WriteHeader(http.StatusOK)
			}))
			defer ts.Close()

			client := NewClient(ts.URL, time.Second)
			result, err := client.Send(context.Background(), testEntry(tc.op))
			if err != nil {
				t.Fatalf("Send() error = %v", err)
			}
			if result.Outcome != OutcomeSuccess {
				t.Errorf("Outcome = %s, want success", result.Outcome)
			}
			if gotMethod != tc.method || gotPath != tc.path {
				t.Errorf("request = %s %s, want %s %s", gotMethod, gotPath, tc.method, tc.path)
			}
			if gotKey != "11111111-1111-4111-8111-111111111111" {
				t.Errorf("idempotency key = %q, want the entry's key", gotKey)
			}
		})
	}
}

// TestSend_idempotencyKeyScope verifies only stock-affecting kinds carry the
// dedup header; a warehouse upsert goes out without one.
func TestSend_idempotencyKeyScope(t *testing.T) {
	var present bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, present = r.Header["X-Idempotency-Key"]
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	wh := &models.Record{ID: "cccccccc-cccc-4ccc-8ccc-cccccccccccc", Name: "Dock 3"}
	payload, _ := wh.Marshal()
	entry := &models.QueueEntry{
		ID:             2,
		Operation:      models.OperationUpdate,
		EntityKind:     models.KindWarehouse,
		EntityID:       wh.ID,
		Payload:        payload,
		IdempotencyKey: "22222222-2222-4222-8222-222222222222",
	}

	client := NewClient(ts.URL, time.Second)
	result, err := client.Send(context.Background(), entry)
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if result.Outcome != OutcomeSuccess {
		t.Fatalf("Outcome = %s, want success", result.Outcome)
	}
	if present {
		t.Error("warehouse call carried an idempotency key, want none")
	}
}

// TestSend_successParsesServerRecord verifies the canonical record in a 2xx
// body is surfaced.
func TestSend_successParsesServerRecord(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"id": "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa", "name": "Hand Truck", "quantity": 3,
		})
	}))
	defer ts.Close()

	client := NewClient(ts.URL, time.Second)
	result, err := client.Send(context.Background(), testEntry(models.OperationCreate))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if result.ServerRecord == nil || result.ServerRecord.Name != "Hand Truck" {
		t.Errorf("ServerRecord = %+v, want the parsed body", result.ServerRecord)
	}
	if result.RoundTrip <= 0 {
		t.Error("RoundTrip not measured")
	}
}

// TestSend_conflict verifies 409 classification with the server's current
// state, and the tombstone variant.
func TestSend_conflict(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"message": "version mismatch",
			"current": map[string]interface{}{
				"id": "aaaaaaaa-aaaa-4aaa-8aaa-aaaaaaaaaaaa", "name": "Server Copy", "quantity": 7,
			},
		})
	}))
	defer ts.Close()

	client := NewClient(ts.URL, time.Second)
	result, err := client.Send(context.Background(), testEntry(models.OperationUpdate))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if result.Outcome != OutcomeConflict {
		t.Fatalf("Outcome = %s, want conflict", result.Outcome)
	}
	if result.ServerDeleted {
		t.Error("ServerDeleted = true with a current record attached")
	}
	if result.ServerRecord == nil || result.ServerRecord.Name != "Server Copy" {
		t.Errorf("ServerRecord = %+v, want the server's current state", result.ServerRecord)
	}
}

// TestSend_conflictTombstone verifies a 409 without a current record is
// treated as a server-side deletion.
func TestSend_conflictTombstone(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		json.NewEncoder(w).Encode(map[string]interface{}{"message": "deleted", "deleted": true})
	}))
	defer ts.Close()

	client := NewClient(ts.URL, time.Second)
	result, err := client.Send(context.Background(), testEntry(models.OperationUpdate))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if result.Outcome != OutcomeConflict || !result.ServerDeleted {
		t.Errorf("got outcome=%s deleted=%v, want conflict with tombstone", result.Outcome, result.ServerDeleted)
	}
}

// TestSend_statusClassification verifies the remaining status taxonomy.
func TestSend_statusClassification(t *testing.T) {
	cases := []struct {
		status  int
		outcome Outcome
		errCode errors.ErrorCode
	}{
		{http.StatusNotFound, OutcomeNotFound, ""},
		{http.StatusUnprocessableEntity, OutcomeRejected, errors.ErrServerRejected},
		{http.StatusBadRequest, OutcomeRejected, errors.ErrServerRejected},
		{http.StatusTooManyRequests, OutcomeRetryable, errors.ErrServerError},
		{http.StatusInternalServerError, OutcomeRetryable, errors.ErrServerError},
		{http.StatusBadGateway, OutcomeRetryable, errors.ErrServerError},
	}

	for _, tc := range cases {
		ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))

		client := NewClient(ts.URL, time.Second)
		result, err := client.Send(context.Background(), testEntry(models.OperationUpdate))
		ts.Close()
		if err != nil {
			t.Fatalf("status %d: Send() error = %v", tc.status, err)
		}
		if result.Outcome != tc.outcome {
			t.Errorf("status %d: Outcome = %s, want %s", tc.status, result.Outcome, tc.outcome)
		}
		if tc.errCode != "" && !errors.Is(result.Err, tc.errCode) {
			t.Errorf("status %d: Err = %v, want code %s", tc.status, result.Err, tc.errCode)
		}
	}
}

// TestSend_connectionRefused verifies transport failures classify as
// retryable network errors rather than surfacing as call errors.
func TestSend_connectionRefused(t *testing.T) {
	client := NewClient("http://127.0.0.1:1", time.Second)
	result, err := client.Send(context.Background(), testEntry(models.OperationCreate))
	if err != nil {
		t.Fatalf("Send() error = %v, transport failures belong in the Result", err)
	}
	if result.Outcome != OutcomeRetryable {
		t.Errorf("Outcome = %s, want retryable", result.Outcome)
	}
	if !errors.Is(result.Err, errors.ErrNetwork) {
		t.Errorf("Err = %v, want NETWORK code", result.Err)
	}
}

// TestSend_timeout verifies slow servers classify as retryable timeouts.
func TestSend_timeout(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, 20*time.Millisecond)
	result, err := client.Send(context.Background(), testEntry(models.OperationCreate))
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if result.Outcome != OutcomeRetryable {
		t.Errorf("Outcome = %s, want retryable", result.Outcome)
	}
	if !errors.Is(result.Err, errors.ErrTimeout) {
		t.Errorf("Err = %v, want TIMEOUT code", result.Err)
	}
}

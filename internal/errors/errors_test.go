// Package errors tests for the coded error taxonomy.
package errors

import (
	"fmt"
	"testing"
)

// TestIs verifies code matching through wrapping layers.
func TestIs(t *testing.T) {
	base := New(ErrNetwork, "connection refused")
	if !Is(base, ErrNetwork) {
		t.Error("Is() missed the direct code")
	}
	if Is(base, ErrTimeout) {
		t.Error("Is() matched the wrong code")
	}

	wrapped := fmt.Errorf("drain pass: %w", base)
	if !Is(wrapped, ErrNetwork) {
		t.Error("Is() missed the code through fmt.Errorf wrapping")
	}

	if Is(nil, ErrNetwork) {
		t.Error("Is(nil) = true")
	}
	if Is(fmt.Errorf("plain"), ErrNetwork) {
		t.Error("Is() matched a plain error")
	}
}

// TestCode verifies extraction and the internal fallback.
func TestCode(t *testing.T) {
	if got := Code(Newf(ErrOffline, "host offline")); got != ErrOffline {
		t.Errorf("Code() = %s, want OFFLINE", got)
	}
	if got := Code(fmt.Errorf("plain")); got != ErrInternal {
		t.Errorf("Code(plain) = %s, want INTERNAL_ERROR", got)
	}
}

// TestRetryable verifies only transient remote failures queue for backoff.
func TestRetryable(t *testing.T) {
	retryable := []ErrorCode{ErrNetwork, ErrTimeout, ErrServerError}
	for _, code := range retryable {
		if !Retryable(New(code, "x")) {
			t.Errorf("Retryable(%s) = false", code)
		}
	}
	terminal := []ErrorCode{ErrServerRejected, ErrValidation, ErrSyncConflict, ErrStorageExhausted}
	for _, code := range terminal {
		if Retryable(New(code, "x")) {
			t.Errorf("Retryable(%s) = true", code)
		}
	}
}

// TestError_format verifies the rendered message carries the code and cause.
func TestError_format(t *testing.T) {
	err := Wrap(ErrDatabase, "queue insert failed", fmt.Errorf("disk full"))
	want := "[DATABASE_ERROR] queue insert failed: disk full"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if err.Unwrap() == nil {
		t.Error("Unwrap() lost the cause")
	}
}

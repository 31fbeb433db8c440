// Package netmon tests for reachability probing and edge-triggered
// transitions.
package netmon

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

// TestProbe verifies reachability follows the health endpoint's answer.
func TestProbe(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	m := NewMonitor(Config{HealthURL: ts.URL + "/health"})

	if !m.Probe(context.Background()) {
		t.Fatal("Probe() = false against a healthy server")
	}
	if !m.IsServerReachable() {
		t.Error("IsServerReachable() = false after a successful probe")
	}

	healthy.Store(false)
	if m.Probe(context.Background()) {
		t.Fatal("Probe() = true against a 503 server")
	}
	if m.IsServerReachable() {
		t.Error("IsServerReachable() = true after a failed probe")
	}
}

// TestProbe_unreachableServer verifies connection failures are recorded, not
// surfaced as errors.
func TestProbe_unreachableServer(t *testing.T) {
	m := NewMonitor(Config{HealthURL: "http://127.0.0.1:1/health"})
	if m.Probe(context.Background()) {
		t.Error("Probe() = true against a closed port")
	}
}

// TestSetOnline_edgeTriggered verifies exactly one transition signal per
// offline-to-online edge, regardless of repeated SetOnline calls.
func TestSetOnline_edgeTriggered(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	m := NewMonitor(Config{HealthURL: ts.URL})

	// Starts online: repeating online is not an edge.
	m.SetOnline(true)
	select {
	case <-m.Transitions():
		t.Fatal("transition signaled without an offline-to-online edge")
	default:
	}

	m.SetOnline(false)
	if m.IsOnline() {
		t.Error("IsOnline() = true after SetOnline(false)")
	}
	if m.IsServerReachable() {
		t.Error("IsServerReachable() = true while offline")
	}

	m.SetOnline(true)
	select {
	case <-m.Transitions():
	default:
		t.Fatal("no transition signal after the offline-to-online edge")
	}

	// The edge also re-probed the server.
	if !m.IsServerReachable() {
		t.Error("IsServerReachable() = false after the online edge probed a healthy server")
	}
}

// TestProbe_skippedWhileOffline verifies probes do nothing while the host
// reports offline.
func TestProbe_skippedWhileOffline(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	m := NewMonitor(Config{HealthURL: ts.URL})
	m.SetOnline(false)

	if m.Probe(context.Background()) {
		t.Error("Probe() = true while offline")
	}
	if calls.Load() != 0 {
		t.Errorf("probe issued %d requests while offline, want 0", calls.Load())
	}
}

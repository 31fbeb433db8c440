// Package netmon tracks connectivity to the remote API. OS-reported online
// state is necessary but not sufficient; the monitor actively verifies the
// server answers its health endpoint before the engine trusts the network.
package netmon

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/tkhuang/stockpilot/internal/logging"
)

// Config holds monitor configuration.
type Config struct {
	HealthURL     string        // credential-free health endpoint
	ProbeTimeout  time.Duration // bound on a single probe, default 5s
	ProbeInterval time.Duration // cadence while online, default 60s
}

// Monitor tracks host-reported online state and verified server
// reachability. Transitions from offline to online are edge-triggered:
// exactly one signal per edge, not one per poll.
type Monitor struct {
	cfg    Config
	client *http.Client

	mu        sync.RWMutex
	online    bool
	reachable bool

	transitions chan struct{}
	stopCh      chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// NewMonitor creates a Monitor. The host is assumed online until the
// embedder reports otherwise via SetOnline.
func NewMonitor(cfg Config) *Monitor {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 5 * time.Second
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 60 * time.Second
	}
	return &Monitor{
		cfg: cfg,
		client: &http.Client{
			Timeout: cfg.ProbeTimeout,
		},
		online:      true,
		transitions: make(chan struct{}, 1),
		stopCh:      make(chan struct{}),
	}
}

// IsOnline returns the host-reported online state.
func (m *Monitor) IsOnline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online
}

// IsServerReachable returns whether the last probe completed a round trip.
func (m *Monitor) IsServerReachable() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.online && m.reachable
}

// Transitions returns the channel signaled once per offline-to-online edge.
// The engine drains it to trigger an immediate sync pass on reconnect.
func (m *Monitor) Transitions() <-chan struct{} {
	return m.transitions
}

// SetOnline records the host-reported connectivity state. An offline-to-
// online edge probes the server and emits one transition signal.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	wasOnline := m.online
	m.online = online
	if !online {
		m.reachable = false
	}
	m.mu.Unlock()

	if online && !wasOnline {
		logging.Info("network transitioned online, probing server")
		m.Probe(context.Background())
		select {
		case m.transitions <- struct{}{}:
		default:
			// a pending signal already covers this edge
		}
	}
	if !online && wasOnline {
		logging.Info("network transitioned offline")
	}
}

// Probe issues one lightweight, credential-free GET against the health
// endpoint with a bounded timeout and records the result. Returns whether
// the server was reachable.
func (m *Monitor) Probe(ctx context.Context) bool {
	if !m.IsOnline() {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.cfg.HealthURL, nil)
	if err != nil {
		m.setReachable(false)
		return false
	}

	resp, err := m.client.Do(req)
	if err != nil {
		m.setReachable(false)
		return false
	}
	defer resp.Body.Close()

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	m.setReachable(ok)
	return ok
}

func (m *Monitor) setReachable(reachable bool) {
	m.mu.Lock()
	changed := m.reachable != reachable
	m.reachable = reachable
	m.mu.Unlock()

	if changed {
		logging.Debug("server reachability changed", map[string]interface{}{
			"reachable": reachable,
		})
	}
}

// Start begins periodic probing: once immediately, then on the configured
// interval while online. Probing pauses while offline; the next probe
// happens on the online edge.
func (m *Monitor) Start(ctx context.Context) {
	m.Probe(ctx)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(m.cfg.ProbeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stopCh:
				return
			case <-ticker.C:
				if m.IsOnline() {
					m.Probe(ctx)
				}
			}
		}
	}()
}

// Stop halts periodic probing and waits for the probe loop to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

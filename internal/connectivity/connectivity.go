// Package connectivity watches backend reachability with a cheap periodic
// TCP probe. Transitions are emitted as online/offline events; the sync
// manager listens for the online edge to drain the queue immediately
// instead of waiting out its interval.
package connectivity

import (
	"context"
	"sync"
	"time"

	"restaurant-sync/internal/common/logger"
	"restaurant-sync/internal/events"
	"restaurant-sync/internal/transport"
)

// Monitor probes one address. The zero value is not usable; construct with
// New.
type Monitor struct {
	addr     string
	interval time.Duration
	timeout  time.Duration
	lg       *logger.Logger
	ev       *events.Emitter

	probe func(addr string, timeout time.Duration) bool

	mu      sync.Mutex
	online  bool
	checked bool
}

// New creates a monitor for addr. interval is how often to probe, timeout
// bounds each probe.
func New(addr string, interval, timeout time.Duration, lg *logger.Logger, ev *events.Emitter) *Monitor {
	return &Monitor{
		addr:     addr,
		interval: interval,
		timeout:  timeout,
		lg:       lg,
		ev:       ev,
		probe:    transport.ProbeTCP,
	}
}

// Online returns the last observed state. Before the first probe completes
// it reports false: the sync core starts pessimistic and upgrades.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Check probes immediately, updates the state and returns it. Transitions
// are emitted exactly like periodic ones.
func (m *Monitor) Check() bool {
	up := m.probe(m.addr, m.timeout)

	m.mu.Lock()
	changed := !m.checked || up != m.online
	m.checked = true
	m.online = up
	m.mu.Unlock()

	if changed {
		if up {
			m.lg.Info("backend_reachable", map[string]any{"addr": m.addr})
			m.ev.Emit(events.Online, m.addr)
		} else {
			m.lg.Warn("backend_unreachable", nil, map[string]any{"addr": m.addr})
			m.ev.Emit(events.Offline, m.addr)
		}
	}
	return up
}

// Run probes until ctx is cancelled, starting with an immediate check.
func (m *Monitor) Run(ctx context.Context) {
	m.Check()
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Package heartbeat implements the Heartbeat Manager: a shared last-seen
// map with a periodic sweep that evicts connections which have gone quiet
// past their negotiated keep-alive, so eviction can drive a synthetic
// Disconnect event into the Session/Connection Manager from one place
// instead of a per-connection inline timeout.
package heartbeat

import (
	"log/slog"
	"sync"
	"time"
)

// DisconnectFunc is invoked by the sweep for every connection whose
// keep-alive window has elapsed. It must not block.
type DisconnectFunc func(connectionID uint64, clientID string)

type entry struct {
	clientID  string
	keepAlive time.Duration
	lastSeen  time.Time
}

// Manager tracks the last-seen timestamp for every live connection and
// evicts connections that exceed keepAlive * 1.5 without a report.
type Manager struct {
	mu      sync.Mutex
	entries map[uint64]*entry

	onTimeout DisconnectFunc

	stop chan struct{}
	done chan struct{}
}

// New creates a Manager. sweepInterval should be
// max(1s, ceil(min_keep_alive/2)) (see SweepInterval); it is fixed for the
// Manager's lifetime, and a value under 1s is raised to 1s.
func New(sweepInterval time.Duration, onTimeout DisconnectFunc) *Manager {
	m := &Manager{
		entries:   make(map[uint64]*entry),
		onTimeout: onTimeout,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go m.run(sweepInterval)
	return m
}

// Track begins tracking connectionID with the given negotiated keep-alive.
// A keepAlive of zero disables timeout for this connection (the sweep never
// evicts it).
func (m *Manager) Track(connectionID uint64, clientID string, keepAlive time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[connectionID] = &entry{clientID: clientID, keepAlive: keepAlive, lastSeen: time.Now()}
}

// Report records activity on connectionID at the current time. Call this on
// every inbound packet, not just PINGREQ — any packet resets the keep-alive
// clock per MQTT-3.1.1 §3.1.2.10.
func (m *Manager) Report(connectionID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[connectionID]; ok {
		e.lastSeen = time.Now()
	}
}

// Untrack stops tracking connectionID (normal DISCONNECT or takeover).
func (m *Manager) Untrack(connectionID uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, connectionID)
}

// Close stops the sweep goroutine.
func (m *Manager) Close() {
	close(m.stop)
	<-m.done
}

func (m *Manager) run(sweepInterval time.Duration) {
	defer close(m.done)

	if sweepInterval < time.Second {
		sweepInterval = time.Second
	}
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.sweep()
		}
	}
}

func (m *Manager) sweep() {
	now := time.Now()

	type timedOut struct {
		connectionID uint64
		clientID     string
	}
	var expired []timedOut

	m.mu.Lock()
	for id, e := range m.entries {
		if e.keepAlive <= 0 {
			continue
		}
		limit := time.Duration(float64(e.keepAlive) * 1.5)
		if now.Sub(e.lastSeen) > limit {
			expired = append(expired, timedOut{id, e.clientID})
			delete(m.entries, id)
		}
	}
	m.mu.Unlock()

	for _, e := range expired {
		slog.Debug("heartbeat: keepalive timeout", "connection_id", e.connectionID, "client_id", e.clientID)
		m.onTimeout(e.connectionID, e.clientID)
	}
}

// SweepInterval computes max(1s, ceil(minKeepAlive/2)).
func SweepInterval(minKeepAlive time.Duration) time.Duration {
	half := (minKeepAlive + time.Nanosecond) / 2
	if half < time.Second {
		return time.Second
	}
	return half
}

// Package admin implements the broker's operational HTTP surface: a
// liveness probe at /health and a Prometheus-format counter dump at
// /metrics.
package admin

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

// Metrics holds the broker's exported counters and gauges. The zero value
// is ready to use; pkg/broker increments it inline on connect, disconnect,
// and publish, so a Router that never wires one (nil) simply skips the
// calls rather than needing a no-op implementation.
type Metrics struct {
	connectionsTotal  atomic.Int64
	connectionsActive atomic.Int64
	publishesTotal    atomic.Int64
	publishesFailed   atomic.Int64
}

// ConnectionOpened records a successful CONNECT.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.connectionsTotal.Add(1)
	m.connectionsActive.Add(1)
}

// ConnectionClosed records a connection leaving the broker, normally or not.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.connectionsActive.Add(-1)
}

// PublishAccepted records a PUBLISH that reached the journal and fan-out.
func (m *Metrics) PublishAccepted() {
	if m == nil {
		return
	}
	m.publishesTotal.Add(1)
}

// PublishFailed records a PUBLISH rejected by a backend failure (a
// journal append error), not a protocol-level denial.
func (m *Metrics) PublishFailed() {
	if m == nil {
		return
	}
	m.publishesTotal.Add(1)
	m.publishesFailed.Add(1)
}

// Handler returns the mux serving /health and /metrics. healthy is polled on
// every /health request so the caller can wire in its own liveness check
// (e.g. "metadata store reachable").
func Handler(m *Metrics, healthy func() error) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if healthy != nil {
			if err := healthy(); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprintf(w, "unhealthy: %s\n", err)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})

	mux.HandleFunc("/metrics", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(w, m)
	})

	return mux
}

func writeMetrics(w http.ResponseWriter, m *Metrics) {
	var connTotal, connActive, pubTotal, pubFailed int64
	if m != nil {
		connTotal = m.connectionsTotal.Load()
		connActive = m.connectionsActive.Load()
		pubTotal = m.publishesTotal.Load()
		pubFailed = m.publishesFailed.Load()
	}

	fmt.Fprintf(w, "# HELP broker_connections_total Total CONNECT packets accepted.\n")
	fmt.Fprintf(w, "# TYPE broker_connections_total counter\n")
	fmt.Fprintf(w, "broker_connections_total %d\n", connTotal)

	fmt.Fprintf(w, "# HELP broker_connections_active Currently open connections.\n")
	fmt.Fprintf(w, "# TYPE broker_connections_active gauge\n")
	fmt.Fprintf(w, "broker_connections_active %d\n", connActive)

	fmt.Fprintf(w, "# HELP broker_publishes_total Total PUBLISH packets processed.\n")
	fmt.Fprintf(w, "# TYPE broker_publishes_total counter\n")
	fmt.Fprintf(w, "broker_publishes_total %d\n", pubTotal)

	fmt.Fprintf(w, "# HELP broker_publishes_failed_total PUBLISH packets that failed with a backend error.\n")
	fmt.Fprintf(w, "# TYPE broker_publishes_failed_total counter\n")
	fmt.Fprintf(w, "broker_publishes_failed_total %d\n", pubFailed)
}

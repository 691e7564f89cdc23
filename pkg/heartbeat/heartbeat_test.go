package heartbeat_test

import (
	"sync"
	"testing"
	"time"

	"github.com/nimbusmq/broker/pkg/heartbeat"
)

func TestSweepEvictsStaleConnection(t *testing.T) {
	var mu sync.Mutex
	var evicted []uint64

	m := heartbeat.New(20*time.Millisecond, func(connectionID uint64, clientID string) {
		mu.Lock()
		evicted = append(evicted, connectionID)
		mu.Unlock()
	})
	defer m.Close()

	m.Track(1, "c1", 30*time.Millisecond)

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(evicted)
		mu.Unlock()
		if n > 0 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("expected connection 1 to be evicted")
		case <-time.After(10 * time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if evicted[0] != 1 {
		t.Errorf("expected connection id 1, got %d", evicted[0])
	}
}

func TestReportResetsDeadline(t *testing.T) {
	var mu sync.Mutex
	var evicted bool

	m := heartbeat.New(20*time.Millisecond, func(uint64, string) {
		mu.Lock()
		evicted = true
		mu.Unlock()
	})
	defer m.Close()

	m.Track(1, "c1", 50*time.Millisecond)

	stopReporting := time.After(120 * time.Millisecond)
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
loop:
	for {
		select {
		case <-stopReporting:
			break loop
		case <-ticker.C:
			m.Report(1)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if evicted {
		t.Fatalf("expected connection to survive while being reported")
	}
}

func TestZeroKeepAliveNeverEvicted(t *testing.T) {
	evicted := make(chan struct{}, 1)
	m := heartbeat.New(10*time.Millisecond, func(uint64, string) {
		select {
		case evicted <- struct{}{}:
		default:
		}
	})
	defer m.Close()

	m.Track(1, "c1", 0)

	select {
	case <-evicted:
		t.Fatalf("expected a zero keep-alive connection to never be evicted")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSweepIntervalRoundsUpAndFloorsAtOneSecond(t *testing.T) {
	if got := heartbeat.SweepInterval(500 * time.Millisecond); got != time.Second {
		t.Errorf("expected 1s floor, got %v", got)
	}
	if got := heartbeat.SweepInterval(10 * time.Second); got != 5*time.Second {
		t.Errorf("expected 5s, got %v", got)
	}
}

package lastwill_test

import (
	"sync"
	"testing"
	"time"

	"github.com/nimbusmq/broker/pkg/lastwill"
)

func TestArmFiresAfterDelay(t *testing.T) {
	var mu sync.Mutex
	var fired *lastwill.Will

	p := lastwill.New(func(w lastwill.Will) {
		mu.Lock()
		fired = &w
		mu.Unlock()
	})

	p.Arm(lastwill.Will{ClientID: "c1", Topic: "t/offline", Payload: []byte("bye")}, 20*time.Millisecond)

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		got := fired
		mu.Unlock()
		if got != nil {
			if got.Topic != "t/offline" {
				t.Errorf("expected t/offline, got %s", got.Topic)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("expected will to fire")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestCancelWithinDelayPreventsPublish(t *testing.T) {
	fired := make(chan struct{}, 1)
	p := lastwill.New(func(lastwill.Will) {
		select {
		case fired <- struct{}{}:
		default:
		}
	})

	gen := p.Arm(lastwill.Will{ClientID: "c1"}, 30*time.Millisecond)
	if !p.Cancel("c1", gen) {
		t.Fatalf("expected cancel to succeed before the delay elapses")
	}

	select {
	case <-fired:
		t.Fatalf("expected cancelled will to never fire")
	case <-time.After(80 * time.Millisecond):
	}
}

func TestCancelWithStaleGenerationIsNoop(t *testing.T) {
	p := lastwill.New(func(lastwill.Will) {})
	gen := p.Arm(lastwill.Will{ClientID: "c1"}, time.Second)
	p.Arm(lastwill.Will{ClientID: "c1"}, time.Second) // re-armed, new generation

	if p.Cancel("c1", gen) {
		t.Fatalf("expected a stale generation to fail to cancel the current timer")
	}
}

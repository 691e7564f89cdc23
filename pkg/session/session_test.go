package session_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/nimbusmq/broker/pkg/auth"
	"github.com/nimbusmq/broker/pkg/heartbeat"
	"github.com/nimbusmq/broker/pkg/idempotent"
	"github.com/nimbusmq/broker/pkg/kv"
	"github.com/nimbusmq/broker/pkg/lastwill"
	"github.com/nimbusmq/broker/pkg/metadata"
	"github.com/nimbusmq/broker/pkg/mqttpacket"
	"github.com/nimbusmq/broker/pkg/session"
	"github.com/nimbusmq/broker/pkg/subscribe"
)

type harness struct {
	mgr        *session.Manager
	takeovers  []uint64
	wills      []lastwill.Will
	mu         sync.Mutex
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{}

	meta := metadata.New(metadata.Cluster{Name: "test"})
	subs := subscribe.New()
	mem := kv.NewMemory(nil)
	t.Cleanup(func() { mem.Close() })
	idemp := idempotent.New(mem)
	hb := heartbeat.New(time.Hour, func(uint64, string) {})
	t.Cleanup(hb.Close)
	authDriver := auth.New(allowAll{}, "test", false)

	h.mgr = session.New(meta, subs, idemp, hb, authDriver,
		func(oldConnectionID uint64, reason mqttpacket.ReasonCode) {
			h.mu.Lock()
			h.takeovers = append(h.takeovers, oldConnectionID)
			h.mu.Unlock()
		},
		func(w lastwill.Will) {
			h.mu.Lock()
			h.wills = append(h.wills, w)
			h.mu.Unlock()
		},
	)
	return h
}

type allowAll struct{}

func (allowAll) ListUser(context.Context, string) ([]string, error)         { return nil, nil }
func (allowAll) ListAcl(context.Context, string, string) ([]string, error) { return nil, nil }

func TestConnectGrantsAQueue(t *testing.T) {
	h := newHarness(t)
	out := h.mgr.Connect(context.Background(), session.ConnectRequest{
		ConnectionID: 1,
		ClientID:     "c1",
		CleanStart:   true,
		KeepAlive:    30,
	})
	if out.Reason != mqttpacket.ReasonSuccess {
		t.Fatalf("expected success, got %v", out.Reason)
	}
	if out.SessionPresent {
		t.Errorf("expected no prior session on clean_start")
	}
	if out.AssignedQueue == nil {
		t.Errorf("expected an assigned outbound queue")
	}
}

func TestSecondConnectSameClientTriggersTakeover(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mgr.Connect(ctx, session.ConnectRequest{ConnectionID: 1, ClientID: "c1", CleanStart: true, KeepAlive: 30})
	h.mgr.Connect(ctx, session.ConnectRequest{ConnectionID: 2, ClientID: "c1", CleanStart: true, KeepAlive: 30})

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.takeovers) != 1 || h.takeovers[0] != 1 {
		t.Fatalf("expected takeover of connection 1, got %v", h.takeovers)
	}
}

func TestSessionSurvivesReconnectWhenExpiryNonZero(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	h.mgr.Connect(ctx, session.ConnectRequest{
		ConnectionID: 1, ClientID: "c1", CleanStart: true, KeepAlive: 30, SessionExpiry: 3600,
	})
	h.mgr.Disconnect(ctx, 1, "c1", true, nil, 0)

	out := h.mgr.Connect(ctx, session.ConnectRequest{
		ConnectionID: 2, ClientID: "c1", CleanStart: false, KeepAlive: 30,
	})
	if !out.SessionPresent {
		t.Errorf("expected session_present=true on resume")
	}
}

func TestAbnormalDisconnectArmsWill(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.mgr.Connect(ctx, session.ConnectRequest{ConnectionID: 1, ClientID: "c1", CleanStart: true, KeepAlive: 30})

	h.mgr.Disconnect(ctx, 1, "c1", false, &lastwill.Will{ClientID: "c1", Topic: "t/offline"}, 0)

	deadline := time.After(time.Second)
	for {
		h.mu.Lock()
		n := len(h.wills)
		h.mu.Unlock()
		if n > 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("expected will to fire on abnormal disconnect")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

package broker_test

import (
	"context"
	"testing"
	"time"

	"github.com/nimbusmq/broker/pkg/auth"
	"github.com/nimbusmq/broker/pkg/broker"
	"github.com/nimbusmq/broker/pkg/idempotent"
	"github.com/nimbusmq/broker/pkg/journal"
	"github.com/nimbusmq/broker/pkg/kv"
	"github.com/nimbusmq/broker/pkg/metadata"
	"github.com/nimbusmq/broker/pkg/mqttpacket"
	"github.com/nimbusmq/broker/pkg/retain"
	"github.com/nimbusmq/broker/pkg/storage"
	"github.com/nimbusmq/broker/pkg/subscribe"
)

type allowAll struct{}

func (allowAll) ListUser(context.Context, string) ([]string, error)         { return nil, nil }
func (allowAll) ListAcl(context.Context, string, string) ([]string, error) { return nil, nil }

func newRouter(t *testing.T) *broker.Router {
	t.Helper()

	cluster := metadata.Cluster{
		Name: "test", MaxPacketSize: 1 << 20, ReceiveMax: 32,
		RetainAvailable: true, WildcardSubAvailable: true, SharedSubAvailable: true, MaxQoS: 2,
	}
	meta := metadata.New(cluster)
	subs := subscribe.New()
	retained := retain.New()

	mem := kv.NewMemory(nil)
	t.Cleanup(func() { mem.Close() })
	idemp := idempotent.New(mem)

	store, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("storage.NewLocal: %v", err)
	}
	jr := journal.New(store, meta, nil)

	authDriver := auth.New(allowAll{}, "test", false)

	r := broker.New(meta, subs, retained, idemp, jr, authDriver, time.Hour, func(uint64, mqttpacket.ReasonCode) {})
	t.Cleanup(r.Close)
	return r
}

func connectV5(t *testing.T, r *broker.Router, connID uint64, clientID string) *broker.Conn {
	t.Helper()
	c, ack := r.HandleConnectV5(context.Background(), connID, "127.0.0.1:0", &mqttpacket.V5Connect{
		ClientID: clientID, CleanStart: true, KeepAlive: 30,
	})
	if ack.ReasonCode != mqttpacket.ReasonSuccess {
		t.Fatalf("connect failed: %v", ack.ReasonCode)
	}
	return c
}

// subscribeV5 drives one SUBSCRIBE through Dispatch and returns the granted
// reason codes from the resulting SUBACK.
func subscribeV5(t *testing.T, c *broker.Conn, pkt *mqttpacket.V5Subscribe) []mqttpacket.ReasonCode {
	t.Helper()
	responses, _ := c.DispatchV5(context.Background(), pkt)
	if len(responses) != 1 {
		t.Fatalf("expected one SUBACK, got %d responses", len(responses))
	}
	suback, ok := responses[0].(*mqttpacket.V5SubAck)
	if !ok {
		t.Fatalf("expected V5SubAck, got %T", responses[0])
	}
	return suback.ReasonCodes
}

func TestRetainedMessageDeliveredOnSubscribe(t *testing.T) {
	r := newRouter(t)
	ctx := context.Background()

	pub := connectV5(t, r, 1, "publisher")
	_, _, disconnect := pub.HandlePublishV5(ctx, &mqttpacket.V5Publish{
		Topic: "sensors/temp", Payload: []byte("21C"), QoS: mqttpacket.AtMostOnce, Retain: true,
	})
	if disconnect != nil {
		t.Fatalf("unexpected disconnect: %v", disconnect.ReasonCode)
	}

	sub := connectV5(t, r, 2, "subscriber")
	codes := subscribeV5(t, sub, &mqttpacket.V5Subscribe{
		PacketID: 1, Topics: []mqttpacket.V5SubscribeFilter{{Topic: "sensors/temp", QoS: mqttpacket.AtMostOnce}},
	})
	if len(codes) != 1 || codes[0] != mqttpacket.ReasonGrantedQoS0 {
		t.Fatalf("expected granted qos0, got %v", codes)
	}

	select {
	case out := <-sub.Queue().Out():
		if out.Topic != "sensors/temp" || string(out.Payload) != "21C" {
			t.Fatalf("unexpected retained delivery: %+v", out)
		}
	case <-time.After(time.Second):
		t.Fatal("expected retained message to be delivered")
	}
}

func TestQoS2PubRelReplayAfterPubCompReturnsPacketIDNotFound(t *testing.T) {
	r := newRouter(t)
	ctx := context.Background()
	c := connectV5(t, r, 1, "c1")

	_, pubrec, disconnect := c.HandlePublishV5(ctx, &mqttpacket.V5Publish{
		Topic: "a/b", Payload: []byte("x"), QoS: mqttpacket.ExactlyOnce, PacketID: 7,
	})
	if disconnect != nil {
		t.Fatalf("unexpected disconnect: %v", disconnect.ReasonCode)
	}
	if pubrec == nil || pubrec.ReasonCode != mqttpacket.ReasonSuccess {
		t.Fatalf("expected successful pubrec, got %+v", pubrec)
	}

	pubcomp := c.HandlePubRelV5(ctx, &mqttpacket.V5PubRel{PacketID: 7})
	if pubcomp.ReasonCode != mqttpacket.ReasonSuccess {
		t.Fatalf("expected successful pubcomp, got %v", pubcomp.ReasonCode)
	}

	replay := c.HandlePubRelV5(ctx, &mqttpacket.V5PubRel{PacketID: 7})
	if replay.ReasonCode != mqttpacket.ReasonPacketIDNotFound {
		t.Fatalf("expected packet id not found on replay, got %v", replay.ReasonCode)
	}
}

func TestQoS2DuplicatePublishIsNotReprocessed(t *testing.T) {
	r := newRouter(t)
	ctx := context.Background()
	pub := connectV5(t, r, 1, "publisher")
	sub := connectV5(t, r, 2, "subscriber")
	subscribeV5(t, sub, &mqttpacket.V5Subscribe{
		PacketID: 1, Topics: []mqttpacket.V5SubscribeFilter{{Topic: "a/b", QoS: mqttpacket.ExactlyOnce}},
	})

	publishPkt := &mqttpacket.V5Publish{Topic: "a/b", Payload: []byte("x"), QoS: mqttpacket.ExactlyOnce, PacketID: 9}
	pub.HandlePublishV5(ctx, publishPkt)
	pub.HandlePublishV5(ctx, publishPkt)

	drained := 0
	for {
		select {
		case <-sub.Queue().Out():
			drained++
		case <-time.After(50 * time.Millisecond):
			if drained != 1 {
				t.Fatalf("expected exactly one delivery for duplicate qos2 publish, got %d", drained)
			}
			return
		}
	}
}

func TestTakeoverClosesSupersededConnection(t *testing.T) {
	r := newRouter(t)
	closed := make(chan uint64, 1)
	r.OnForceClose = func(connectionID uint64, reason mqttpacket.ReasonCode) {
		closed <- connectionID
	}

	connectV5(t, r, 1, "dup")
	connectV5(t, r, 2, "dup")

	select {
	case id := <-closed:
		if id != 1 {
			t.Fatalf("expected connection 1 to be superseded, got %d", id)
		}
	case <-time.After(time.Second):
		t.Fatal("expected takeover to force-close the prior connection")
	}
}

func TestSharedSubscriptionRoundRobins(t *testing.T) {
	r := newRouter(t)
	ctx := context.Background()

	workerA := connectV5(t, r, 1, "workerA")
	workerB := connectV5(t, r, 2, "workerB")
	for _, w := range []*broker.Conn{workerA, workerB} {
		subscribeV5(t, w, &mqttpacket.V5Subscribe{
			PacketID: 1, Topics: []mqttpacket.V5SubscribeFilter{{Topic: "$share/g/jobs", QoS: mqttpacket.AtMostOnce}},
		})
	}

	pub := connectV5(t, r, 3, "publisher")
	for i := 0; i < 2; i++ {
		pub.HandlePublishV5(ctx, &mqttpacket.V5Publish{Topic: "jobs", Payload: []byte("x"), QoS: mqttpacket.AtMostOnce})
	}

	got := map[string]int{}
	for _, w := range []struct {
		name string
		c    *broker.Conn
	}{{"A", workerA}, {"B", workerB}} {
		select {
		case <-w.c.Queue().Out():
			got[w.name]++
		case <-time.After(200 * time.Millisecond):
		}
	}
	if len(got) != 2 {
		t.Fatalf("expected each shared-group member to receive one delivery, got %v", got)
	}
}

func TestWildcardSubscriptionMatchesMultiLevelTopic(t *testing.T) {
	r := newRouter(t)
	ctx := context.Background()

	sub := connectV5(t, r, 1, "subscriber")
	subscribeV5(t, sub, &mqttpacket.V5Subscribe{
		PacketID: 1, Topics: []mqttpacket.V5SubscribeFilter{{Topic: "home/+/temp", QoS: mqttpacket.AtMostOnce}},
	})

	pub := connectV5(t, r, 2, "publisher")
	pub.HandlePublishV5(ctx, &mqttpacket.V5Publish{Topic: "home/kitchen/temp", Payload: []byte("19C"), QoS: mqttpacket.AtMostOnce})

	select {
	case out := <-sub.Queue().Out():
		if out.Topic != "home/kitchen/temp" {
			t.Fatalf("unexpected delivery: %+v", out)
		}
	case <-time.After(time.Second):
		t.Fatal("expected wildcard match to deliver the publish")
	}
}

package transport_test

import (
	"bufio"
	"context"
	"net"
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
	"github.com/nimbusmq/broker/pkg/transport"
)

type allowAll struct{}

func (allowAll) ListUser(context.Context, string) ([]string, error)         { return nil, nil }
func (allowAll) ListAcl(context.Context, string, string) ([]string, error) { return nil, nil }

func newTestRouter(t *testing.T) *broker.Router {
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

	r := broker.New(meta, subs, retained, idemp, jr, authDriver, time.Hour, nil)
	t.Cleanup(r.Close)
	return r
}

func TestServeAcceptsTCPConnectAndAcksConnack(t *testing.T) {
	r := newTestRouter(t)
	srv := transport.NewServer(r)

	ln, err := transport.Listen("tcp", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go srv.Serve(ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	connect := &mqttpacket.V4Connect{ClientID: "tcp-client", CleanSession: true, KeepAlive: 30}
	if err := mqttpacket.WriteV4Packet(conn, connect); err != nil {
		t.Fatalf("write connect: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	pkt, err := mqttpacket.ReadV4Packet(bufio.NewReader(conn), mqttpacket.MaxPacketSize)
	if err != nil {
		t.Fatalf("read connack: %v", err)
	}
	ack, ok := pkt.(*mqttpacket.V4ConnAck)
	if !ok {
		t.Fatalf("expected CONNACK, got %T", pkt)
	}
	if ack.ReturnCode != 0 {
		t.Fatalf("expected accepted connack, got return code %d", ack.ReturnCode)
	}
}

func TestServeRoutesPublishBetweenTwoClients(t *testing.T) {
	r := newTestRouter(t)
	srv := transport.NewServer(r)

	ln, err := transport.Listen("tcp", "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	go srv.Serve(ln)

	dial := func(clientID string) (net.Conn, *bufio.Reader) {
		conn, err := net.Dial("tcp", ln.Addr().String())
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		if err := mqttpacket.WriteV4Packet(conn, &mqttpacket.V4Connect{ClientID: clientID, CleanSession: true, KeepAlive: 30}); err != nil {
			t.Fatalf("write connect: %v", err)
		}
		reader := bufio.NewReader(conn)
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		if _, err := mqttpacket.ReadV4Packet(reader, mqttpacket.MaxPacketSize); err != nil {
			t.Fatalf("read connack: %v", err)
		}
		return conn, reader
	}

	subConn, subReader := dial("sub")
	defer subConn.Close()
	if err := mqttpacket.WriteV4Packet(subConn, &mqttpacket.V4Subscribe{
		PacketID:      1,
		Subscriptions: []mqttpacket.V4Subscription{{Topic: "room/chat", QoS: mqttpacket.AtMostOnce}},
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	subConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := mqttpacket.ReadV4Packet(subReader, mqttpacket.MaxPacketSize); err != nil {
		t.Fatalf("read suback: %v", err)
	}

	pubConn, _ := dial("pub")
	defer pubConn.Close()
	if err := mqttpacket.WriteV4Packet(pubConn, &mqttpacket.V4Publish{
		Topic: "room/chat", Payload: []byte("hello"), QoS: mqttpacket.AtMostOnce,
	}); err != nil {
		t.Fatalf("write publish: %v", err)
	}

	subConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	pkt, err := mqttpacket.ReadV4Packet(subReader, mqttpacket.MaxPacketSize)
	if err != nil {
		t.Fatalf("read delivered publish: %v", err)
	}
	delivered, ok := pkt.(*mqttpacket.V4Publish)
	if !ok || delivered.Topic != "room/chat" || string(delivered.Payload) != "hello" {
		t.Fatalf("unexpected delivery: %+v", pkt)
	}
}

// Package broker implements the Packet Router and Command Handler: a single
// (protocol version, packet type) type-switch dispatch per connection, and
// the orchestration that wires every other component into one coherent
// per-packet semantics.
package broker

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusmq/broker/pkg/admin"
	"github.com/nimbusmq/broker/pkg/auth"
	"github.com/nimbusmq/broker/pkg/delivery"
	"github.com/nimbusmq/broker/pkg/heartbeat"
	"github.com/nimbusmq/broker/pkg/idempotent"
	"github.com/nimbusmq/broker/pkg/journal"
	"github.com/nimbusmq/broker/pkg/lastwill"
	"github.com/nimbusmq/broker/pkg/metadata"
	"github.com/nimbusmq/broker/pkg/mqttpacket"
	"github.com/nimbusmq/broker/pkg/retain"
	"github.com/nimbusmq/broker/pkg/session"
	"github.com/nimbusmq/broker/pkg/subscribe"
	"github.com/nimbusmq/broker/pkg/trie"
)

// Router owns every shared component and tracks the live Conn for each
// connection_id so a takeover or keep-alive eviction can reach the
// connection that must be force-closed.
type Router struct {
	Meta       *metadata.Cache
	Subs       *subscribe.Manager
	Retained   *retain.Store
	Idemp      idempotent.Store
	Journal    *journal.Persistor
	Auth       *auth.Driver
	Sessions   *session.Manager
	Heartbeats *heartbeat.Manager

	// Metrics is nil-safe: a Router constructed without one simply skips
	// every increment.
	Metrics *admin.Metrics

	// OnForceClose is invoked whenever a connection must be torn down from
	// inside the broker (takeover, keep-alive timeout) rather than by the
	// client's own DISCONNECT or a transport read error. transport.NewServer
	// sets it to close the socket at once; no DISCONNECT is sent, so reason
	// does not reach the client.
	OnForceClose func(connectionID uint64, reason mqttpacket.ReasonCode)

	connsMu sync.Mutex
	conns   map[uint64]*Conn
}

// New wires the Session/Connection Manager and Heartbeat Manager internally
// so their mutual callbacks (takeover, keep-alive eviction) can reach back
// into the Router's connection registry.
func New(meta *metadata.Cache, subs *subscribe.Manager, retained *retain.Store, idemp idempotent.Store, jr *journal.Persistor, authDriver *auth.Driver, sweepInterval time.Duration, onForceClose func(connectionID uint64, reason mqttpacket.ReasonCode)) *Router {
	r := &Router{
		Meta:         meta,
		Subs:         subs,
		Retained:     retained,
		Idemp:        idemp,
		Journal:      jr,
		Auth:         authDriver,
		OnForceClose: onForceClose,
		conns:        make(map[uint64]*Conn),
	}
	r.Heartbeats = heartbeat.New(sweepInterval, r.evict)
	r.Sessions = session.New(meta, subs, idemp, r.Heartbeats, authDriver, r.takeover, r.publishWill)
	return r
}

// Close stops the Heartbeat Manager's sweep goroutine.
func (r *Router) Close() {
	r.Heartbeats.Close()
}

func (r *Router) registerConn(connectionID uint64, c *Conn) {
	r.connsMu.Lock()
	r.conns[connectionID] = c
	r.connsMu.Unlock()
}

func (r *Router) takeover(oldConnectionID uint64, reason mqttpacket.ReasonCode) {
	r.drop(oldConnectionID, reason)
}

func (r *Router) evict(connectionID uint64, clientID string) {
	r.connsMu.Lock()
	c, ok := r.conns[connectionID]
	delete(r.conns, connectionID)
	r.connsMu.Unlock()
	if ok {
		r.Metrics.ConnectionClosed()
		r.Sessions.Disconnect(context.Background(), connectionID, clientID, false, c.will, c.willDelay)
	}
	if r.OnForceClose != nil {
		r.OnForceClose(connectionID, mqttpacket.ReasonKeepAliveTimeout)
	}
}

func (r *Router) drop(connectionID uint64, reason mqttpacket.ReasonCode) {
	r.connsMu.Lock()
	_, ok := r.conns[connectionID]
	delete(r.conns, connectionID)
	r.connsMu.Unlock()
	if ok {
		r.Metrics.ConnectionClosed()
	}
	if r.OnForceClose != nil {
		r.OnForceClose(connectionID, reason)
	}
}

// publishWill is handed to the Session Manager as the Last-Will Processor's
// publish callback: a synthesized will re-enters the normal publish path
// with no owning client_id, so NoLocal and idempotency checks don't apply.
func (r *Router) publishWill(w lastwill.Will) {
	in := publishIn{Topic: w.Topic, Payload: w.Payload, QoS: w.QoS, Retain: w.Retain, Properties: w.Properties}
	r.publish(context.Background(), "", "", in, false)
}

// connect resolves an empty client_id under clean_start into a
// server-generated one and runs the shared CONNECT lifecycle.
func (r *Router) connect(ctx context.Context, req session.ConnectRequest) (outcome session.ConnectOutcome, clientID string, assigned bool) {
	if req.ClientID == "" {
		if !req.CleanStart {
			return session.ConnectOutcome{Reason: mqttpacket.ReasonClientIDNotValid}, "", false
		}
		req.ClientID = "auto-" + uuid.NewString()
		assigned = true
	}
	outcome = r.Sessions.Connect(ctx, req)
	return outcome, req.ClientID, assigned
}

// HandleConnectV4 runs CONNECT for a 3.1.1 client. A nil Conn means the
// caller must send ack and close the transport without proceeding further.
func (r *Router) HandleConnectV4(ctx context.Context, connectionID uint64, sourceAddr string, pkt *mqttpacket.V4Connect) (*Conn, *mqttpacket.V4ConnAck) {
	var will *lastwill.Will
	if pkt.WillTopic != "" {
		will = &lastwill.Will{ClientID: pkt.ClientID, Topic: pkt.WillTopic, Payload: pkt.WillMessage, QoS: pkt.WillQoS, Retain: pkt.WillRetain}
	}

	req := session.ConnectRequest{
		ConnectionID:  connectionID,
		ClientID:      pkt.ClientID,
		Username:      pkt.Username,
		Password:      pkt.Password,
		ProtocolV5:    false,
		CleanStart:    pkt.CleanSession,
		KeepAlive:     pkt.KeepAlive,
		MaxPacketSize: r.Meta.Cluster.MaxPacketSize,
		SourceAddr:    sourceAddr,
		Will:          will,
	}
	outcome, clientID, _ := r.connect(ctx, req)

	ack := &mqttpacket.V4ConnAck{SessionPresent: outcome.SessionPresent, ReturnCode: mqttpacket.V311ConnAckCode(outcome.Reason)}
	if outcome.Reason != mqttpacket.ReasonSuccess {
		return nil, ack
	}

	c := &Conn{router: r, connectionID: connectionID, clientID: clientID, username: req.Username, queue: outcome.AssignedQueue, will: will}
	r.registerConn(connectionID, c)
	r.Metrics.ConnectionOpened()
	return c, ack
}

// HandleConnectV5 runs CONNECT for a 5.0 client.
func (r *Router) HandleConnectV5(ctx context.Context, connectionID uint64, sourceAddr string, pkt *mqttpacket.V5Connect) (*Conn, *mqttpacket.V5ConnAck) {
	var will *lastwill.Will
	var willDelay uint32
	if pkt.WillTopic != "" {
		will = &lastwill.Will{ClientID: pkt.ClientID, Topic: pkt.WillTopic, Payload: pkt.WillMessage, QoS: pkt.WillQoS, Retain: pkt.WillRetain, Properties: pkt.WillProps}
		if pkt.WillProps != nil && pkt.WillProps.WillDelayInterval != nil {
			willDelay = *pkt.WillProps.WillDelayInterval
		}
	}

	var sessionExpiry uint32
	receiveMax := uint16(65535)
	if pkt.Properties != nil {
		if pkt.Properties.SessionExpiry != nil {
			sessionExpiry = *pkt.Properties.SessionExpiry
		}
		if pkt.Properties.ReceiveMaximum != nil {
			receiveMax = *pkt.Properties.ReceiveMaximum
		}
	}

	req := session.ConnectRequest{
		ConnectionID:  connectionID,
		ClientID:      pkt.ClientID,
		Username:      pkt.Username,
		Password:      pkt.Password,
		ProtocolV5:    true,
		CleanStart:    pkt.CleanStart,
		KeepAlive:     pkt.KeepAlive,
		ReceiveMax:    receiveMax,
		MaxPacketSize: r.Meta.Cluster.MaxPacketSize,
		SourceAddr:    sourceAddr,
		SessionExpiry: sessionExpiry,
		Will:          will,
		WillDelay:     willDelay,
	}
	outcome, clientID, assigned := r.connect(ctx, req)

	var props *mqttpacket.V5Properties
	if outcome.Reason == mqttpacket.ReasonSuccess {
		cluster := r.Meta.Cluster
		rm, maxQoS := cluster.ReceiveMax, cluster.MaxQoS
		retainAvail, wildcardAvail, sharedAvail := cluster.RetainAvailable, cluster.WildcardSubAvailable, cluster.SharedSubAvailable
		props = &mqttpacket.V5Properties{
			MaximumQoS:           &maxQoS,
			RetainAvailable:      &retainAvail,
			WildcardSubAvailable: &wildcardAvail,
			SharedSubAvailable:   &sharedAvail,
		}
		if rm > 0 {
			props.ReceiveMaximum = &rm
		}
		if assigned {
			props.AssignedClientID = clientID
		}
	}

	ack := &mqttpacket.V5ConnAck{SessionPresent: outcome.SessionPresent, ReasonCode: outcome.Reason, Properties: props}
	if outcome.Reason != mqttpacket.ReasonSuccess {
		return nil, ack
	}

	c := &Conn{
		router: r, connectionID: connectionID, clientID: clientID, username: req.Username,
		protocolV5: true, queue: outcome.AssignedQueue, will: will, willDelay: willDelay,
		topicAliases: make(map[uint16]string),
	}
	r.registerConn(connectionID, c)
	r.Metrics.ConnectionOpened()
	return c, ack
}

// Conn is one live connection's broker-side state: the resolved Connection
// record plus the per-connection data the Command Handler needs (inbound
// topic alias table, the outstanding last-will, the outbound queue).
type Conn struct {
	router       *Router
	connectionID uint64
	clientID     string
	username     string
	protocolV5   bool
	queue        *delivery.Queue
	will         *lastwill.Will
	willDelay    uint32
	topicAliases map[uint16]string
}

// ClientID returns the connection's resolved (possibly server-assigned)
// client_id.
func (c *Conn) ClientID() string { return c.clientID }

// Queue returns the session's outbound delivery queue; a writer task drains
// Queue().Out() to encode and send packets for this connection.
func (c *Conn) Queue() *delivery.Queue { return c.queue }

// Close tears down the Connection record and, for an abnormal close, arms
// the last will. It is idempotent: a connection already torn down by
// takeover or keep-alive eviction is a no-op.
func (c *Conn) Close(ctx context.Context, normal bool) {
	c.router.connsMu.Lock()
	_, live := c.router.conns[c.connectionID]
	delete(c.router.conns, c.connectionID)
	c.router.connsMu.Unlock()
	if !live {
		return
	}
	c.router.Metrics.ConnectionClosed()
	c.router.Sessions.Disconnect(ctx, c.connectionID, c.clientID, normal, c.will, c.willDelay)
}

// DispatchV5 routes one decoded 5.0 packet to its handler and returns zero
// or more packets the caller's writer task must send synchronously, plus
// whether the transport must be closed afterward.
func (c *Conn) DispatchV5(ctx context.Context, pkt mqttpacket.V5Packet) (responses []mqttpacket.V5Packet, closeAfter bool) {
	c.router.Heartbeats.Report(c.connectionID)

	switch p := pkt.(type) {
	case *mqttpacket.V5Connect:
		// A second CONNECT on an already-established transport is a
		// protocol error.
		return []mqttpacket.V5Packet{&mqttpacket.V5Disconnect{ReasonCode: mqttpacket.ReasonProtocolError}}, true

	case *mqttpacket.V5Publish:
		puback, pubrec, disconnect := c.HandlePublishV5(ctx, p)
		if disconnect != nil {
			return []mqttpacket.V5Packet{disconnect}, true
		}
		if puback != nil {
			return []mqttpacket.V5Packet{puback}, false
		}
		if pubrec != nil {
			return []mqttpacket.V5Packet{pubrec}, false
		}
		return nil, false

	case *mqttpacket.V5PubAck:
		c.queue.HandlePubAck(p.PacketID)
		return nil, false

	case *mqttpacket.V5PubRec:
		out, ok := c.queue.HandlePubRec(p.PacketID)
		if !ok {
			return []mqttpacket.V5Packet{&mqttpacket.V5PubRel{PacketID: p.PacketID, ReasonCode: mqttpacket.ReasonPacketIDNotFound}}, false
		}
		return []mqttpacket.V5Packet{&mqttpacket.V5PubRel{PacketID: out.PacketID, ReasonCode: mqttpacket.ReasonSuccess}}, false

	case *mqttpacket.V5PubRel:
		return []mqttpacket.V5Packet{c.HandlePubRelV5(ctx, p)}, false

	case *mqttpacket.V5PubComp:
		c.queue.HandlePubComp(p.PacketID)
		return nil, false

	case *mqttpacket.V5Subscribe:
		filters := make([]filterIn, len(p.Topics))
		for i, f := range p.Topics {
			filters[i] = filterIn{Filter: f.Topic, QoS: f.QoS, NoLocal: f.NoLocal, RetainAsPublished: f.RetainAsPublished, RetainHandling: f.RetainHandling}
			if p.Properties != nil && p.Properties.SubscriptionID != nil {
				filters[i].SubscriptionID = *p.Properties.SubscriptionID
			}
		}
		codes := c.handleSubscribe(ctx, filters)
		return []mqttpacket.V5Packet{&mqttpacket.V5SubAck{PacketID: p.PacketID, ReasonCodes: codes}}, false

	case *mqttpacket.V5Unsubscribe:
		codes := c.router.Subs.Unsubscribe(c.clientID, p.Topics)
		return []mqttpacket.V5Packet{&mqttpacket.V5UnsubAck{PacketID: p.PacketID, ReasonCodes: codes}}, false

	case *mqttpacket.V5PingReq:
		return []mqttpacket.V5Packet{&mqttpacket.V5PingResp{}}, false

	case *mqttpacket.V5Disconnect:
		c.HandleDisconnectV5(ctx, p)
		return nil, true

	case *mqttpacket.V5Auth:
		// Enhanced (challenge/response) authentication is a non-goal;
		// acknowledge so a compliant client proceeds rather than hangs.
		return []mqttpacket.V5Packet{&mqttpacket.V5Auth{ReasonCode: mqttpacket.ReasonSuccess}}, false

	default:
		return []mqttpacket.V5Packet{&mqttpacket.V5Disconnect{ReasonCode: mqttpacket.ReasonProtocolError}}, true
	}
}

// DispatchV4 is DispatchV5's 3.1.1 counterpart. 3.1.1 has no reason codes
// on most acks and no DISCONNECT-with-reason, so protocol errors just close
// the transport with no reply.
func (c *Conn) DispatchV4(ctx context.Context, pkt mqttpacket.V4Packet) (responses []mqttpacket.V4Packet, closeAfter bool) {
	c.router.Heartbeats.Report(c.connectionID)

	switch p := pkt.(type) {
	case *mqttpacket.V4Connect:
		return nil, true

	case *mqttpacket.V4Publish:
		puback, pubrec, shouldClose := c.HandlePublishV4(ctx, p)
		if shouldClose {
			return nil, true
		}
		if puback != nil {
			return []mqttpacket.V4Packet{puback}, false
		}
		if pubrec != nil {
			return []mqttpacket.V4Packet{pubrec}, false
		}
		return nil, false

	case *mqttpacket.V4PubAck:
		c.queue.HandlePubAck(p.PacketID)
		return nil, false

	case *mqttpacket.V4PubRec:
		out, ok := c.queue.HandlePubRec(p.PacketID)
		if !ok {
			return nil, false
		}
		return []mqttpacket.V4Packet{&mqttpacket.V4PubRel{PacketID: out.PacketID}}, false

	case *mqttpacket.V4PubRel:
		return []mqttpacket.V4Packet{c.HandlePubRelV4(ctx, p)}, false

	case *mqttpacket.V4PubComp:
		c.queue.HandlePubComp(p.PacketID)
		return nil, false

	case *mqttpacket.V4Subscribe:
		filters := make([]filterIn, len(p.Subscriptions))
		for i, s := range p.Subscriptions {
			filters[i] = filterIn{Filter: s.Topic, QoS: s.QoS}
		}
		codes := c.handleSubscribe(ctx, filters)
		returnCodes := make([]byte, len(codes))
		for i, rc := range codes {
			if rc >= mqttpacket.ReasonUnspecifiedError {
				returnCodes[i] = 0x80
			} else {
				returnCodes[i] = byte(rc)
			}
		}
		return []mqttpacket.V4Packet{&mqttpacket.V4SubAck{PacketID: p.PacketID, ReturnCodes: returnCodes}}, false

	case *mqttpacket.V4Unsubscribe:
		c.router.Subs.Unsubscribe(c.clientID, p.Topics)
		return []mqttpacket.V4Packet{&mqttpacket.V4UnsubAck{PacketID: p.PacketID}}, false

	case *mqttpacket.V4PingReq:
		return []mqttpacket.V4Packet{&mqttpacket.V4PingResp{}}, false

	case *mqttpacket.V4Disconnect:
		c.HandleDisconnectV4(ctx)
		return nil, true

	default:
		return nil, true
	}
}

// publishIn is the canonical, version-independent shape of an inbound
// PUBLISH, shared between HandlePublishV4/V5's thin normalization and the
// actual processing in Router.publish.
type publishIn struct {
	Topic      string
	Payload    []byte
	QoS        mqttpacket.QoS
	Retain     bool
	PacketID   uint16
	Properties *mqttpacket.V5Properties
}

// HandlePublishV4 normalizes a 3.1.1 PUBLISH and runs it through the shared
// publish path. 3.1.1 has no reason codes, so a denial is either silent
// (ack sent anyway, per §3.3.5 "no negative acknowledgement exists") or,
// for a hard protocol violation, a transport close.
func (c *Conn) HandlePublishV4(ctx context.Context, pkt *mqttpacket.V4Publish) (puback *mqttpacket.V4PubAck, pubrec *mqttpacket.V4PubRec, shouldClose bool) {
	in := publishIn{Topic: pkt.Topic, Payload: pkt.Payload, QoS: pkt.QoS, Retain: pkt.Retain, PacketID: pkt.PacketID}
	_, _, _, disconnect := c.router.publish(ctx, c.clientID, c.username, in, true)
	if disconnect {
		return nil, nil, true
	}
	switch pkt.QoS {
	case mqttpacket.AtLeastOnce:
		return &mqttpacket.V4PubAck{PacketID: pkt.PacketID}, nil, false
	case mqttpacket.ExactlyOnce:
		return nil, &mqttpacket.V4PubRec{PacketID: pkt.PacketID}, false
	default:
		return nil, nil, false
	}
}

// HandlePublishV5 normalizes a 5.0 PUBLISH, resolving any topic alias
// before running the shared publish path, and tags the ack with the
// journal offset as a user property.
func (c *Conn) HandlePublishV5(ctx context.Context, pkt *mqttpacket.V5Publish) (puback *mqttpacket.V5PubAck, pubrec *mqttpacket.V5PubRec, disconnect *mqttpacket.V5Disconnect) {
	topic := pkt.Topic
	if pkt.Properties != nil && pkt.Properties.TopicAlias != nil {
		alias := *pkt.Properties.TopicAlias
		if topic != "" {
			c.topicAliases[alias] = topic
		} else if mapped, ok := c.topicAliases[alias]; ok {
			topic = mapped
		} else {
			return nil, nil, &mqttpacket.V5Disconnect{ReasonCode: mqttpacket.ReasonTopicAliasInvalid}
		}
	}

	in := publishIn{Topic: topic, Payload: pkt.Payload, QoS: pkt.QoS, Retain: pkt.Retain, PacketID: pkt.PacketID, Properties: pkt.Properties}
	ackReason, offset, discReason, shouldDisconnect := c.router.publish(ctx, c.clientID, c.username, in, true)
	if shouldDisconnect {
		return nil, nil, &mqttpacket.V5Disconnect{ReasonCode: discReason}
	}

	switch pkt.QoS {
	case mqttpacket.AtLeastOnce:
		return &mqttpacket.V5PubAck{PacketID: pkt.PacketID, ReasonCode: ackReason, Properties: offsetProperty(offset, pkt.QoS)}, nil, nil
	case mqttpacket.ExactlyOnce:
		return nil, &mqttpacket.V5PubRec{PacketID: pkt.PacketID, ReasonCode: ackReason, Properties: offsetProperty(offset, pkt.QoS)}, nil
	default:
		return nil, nil, nil
	}
}

// offsetProperty carries the journal offset on PUBACK/PUBREC as a user
// property. Only QoS 1/2 carry an ack at all, since QoS 0 has no ack to
// carry it on.
func offsetProperty(offset uint64, qos mqttpacket.QoS) *mqttpacket.V5Properties {
	if qos == mqttpacket.AtMostOnce {
		return nil
	}
	return &mqttpacket.V5Properties{UserProperties: []mqttpacket.UserProperty{{Key: "offset", Value: strconv.FormatUint(offset, 10)}}}
}

// publish is the version-independent core of PUBLISH handling: cluster
// limit checks, authorization, QoS 2 dedup, retain upsert, journal append,
// and fan-out to matching subscribers. clientID is empty for a synthesized
// last-will publish, which skips authorization, dedup, and NoLocal (there
// is no live connection to exempt).
func (r *Router) publish(ctx context.Context, clientID, username string, in publishIn, checkAuth bool) (ackReason mqttpacket.ReasonCode, offset uint64, disconnectReason mqttpacket.ReasonCode, shouldDisconnect bool) {
	cluster := r.Meta.Cluster

	if in.Retain && !cluster.RetainAvailable {
		return 0, 0, mqttpacket.ReasonRetainNotSupported, true
	}
	if cluster.MaxQoS > 0 && byte(in.QoS) > cluster.MaxQoS {
		return 0, 0, mqttpacket.ReasonQoSNotSupported, true
	}
	if !validTopicName(in.Topic) {
		return mqttpacket.ReasonTopicNameInvalid, 0, 0, false
	}

	if checkAuth {
		switch r.Auth.Authorize(ctx, clientID, username, in.Topic, auth.Publish) {
		case auth.Denied:
			return mqttpacket.ReasonNotAuthorized, 0, 0, false
		case auth.Unavailable:
			return mqttpacket.ReasonServerUnavailable, 0, 0, false
		}
	}

	if checkAuth && in.QoS == mqttpacket.ExactlyOnce {
		seen, err := r.Idemp.Has(ctx, clientID, in.PacketID)
		if err != nil {
			slog.Warn("broker: idempotent store lookup failed", "client_id", clientID, "error", err)
		} else if seen {
			return mqttpacket.ReasonSuccess, 0, 0, false
		}
		if err := r.Idemp.Insert(ctx, clientID, in.PacketID); err != nil {
			slog.Warn("broker: idempotent store insert failed", "client_id", clientID, "error", err)
		}
	}

	if in.Retain {
		r.Retained.Put(retain.Message{Topic: in.Topic, Payload: in.Payload, QoS: in.QoS, Properties: in.Properties, ExpiryEpoch: expiryEpoch(in.Properties)})
	}

	// Journal append gets a 10s budget; a timeout is a backend failure, not
	// a protocol error, so the publisher sees 0x80/0x88 and may retry
	// rather than the connection being torn down.
	journalCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	offset, _, err := r.Journal.Append(journalCtx, in.Topic, in.QoS, in.Payload, in.Properties)
	cancel()
	if err != nil {
		slog.Warn("broker: journal append failed", "topic", in.Topic, "error", err)
		r.Metrics.PublishFailed()
		return mqttpacket.ReasonServerUnavailable, 0, 0, false
	}

	r.fanOut(clientID, in)
	r.Metrics.PublishAccepted()

	return mqttpacket.ReasonSuccess, offset, 0, false
}

// fanOut delivers a publish to every matching subscriber's outbound queue,
// capping QoS at min(publish qos, subscription qos) and skipping a
// publisher's own no_local subscriptions.
func (r *Router) fanOut(publisherClientID string, in publishIn) {
	for _, sub := range r.Subs.Match(in.Topic) {
		if sub.NoLocal && sub.ClientID == publisherClientID {
			continue
		}
		queue, ok := r.Sessions.Queue(sub.ClientID)
		if !ok {
			continue
		}

		qos := sub.QoS
		if in.QoS < qos {
			qos = in.QoS
		}
		props := in.Properties
		if sub.SubscriptionID != 0 {
			props = withSubscriptionID(props, sub.SubscriptionID)
		}
		retainFlag := in.Retain && sub.RetainAsPublished

		if qos == mqttpacket.AtMostOnce {
			queue.PublishQoS0(in.Topic, in.Payload, props, retainFlag)
		} else {
			queue.Publish(qos, in.Topic, in.Payload, props, retainFlag)
		}
	}
}

func withSubscriptionID(props *mqttpacket.V5Properties, id uint32) *mqttpacket.V5Properties {
	cp := mqttpacket.V5Properties{}
	if props != nil {
		cp = *props
	}
	v := id
	cp.SubscriptionID = &v
	return &cp
}

func expiryEpoch(props *mqttpacket.V5Properties) uint64 {
	if props == nil || props.MessageExpiry == nil {
		return 0
	}
	return uint64(time.Now().Unix()) + uint64(*props.MessageExpiry)
}

func validTopicName(topic string) bool {
	return topic != "" && !strings.ContainsAny(topic, "+#")
}

// HandlePubRelV4 completes a 3.1.1 QoS 2 exchange. 3.1.1 has no
// packet-id-not-found signaling, so a stray PUBREL still gets a PUBCOMP.
func (c *Conn) HandlePubRelV4(ctx context.Context, pkt *mqttpacket.V4PubRel) *mqttpacket.V4PubComp {
	_ = c.router.Idemp.Delete(ctx, c.clientID, pkt.PacketID)
	return &mqttpacket.V4PubComp{PacketID: pkt.PacketID}
}

// HandlePubRelV5 completes a 5.0 QoS 2 exchange, replying with reason 0x92
// (packet identifier not found) for a PUBREL that doesn't match a pending
// entry, e.g. one replayed after its PUBCOMP.
func (c *Conn) HandlePubRelV5(ctx context.Context, pkt *mqttpacket.V5PubRel) *mqttpacket.V5PubComp {
	has, err := c.router.Idemp.Has(ctx, c.clientID, pkt.PacketID)
	if err != nil {
		slog.Warn("broker: idempotent store lookup failed", "client_id", c.clientID, "error", err)
	}
	if !has {
		return &mqttpacket.V5PubComp{PacketID: pkt.PacketID, ReasonCode: mqttpacket.ReasonPacketIDNotFound}
	}
	_ = c.router.Idemp.Delete(ctx, c.clientID, pkt.PacketID)
	return &mqttpacket.V5PubComp{PacketID: pkt.PacketID, ReasonCode: mqttpacket.ReasonSuccess}
}

// HandleDisconnectV4 runs a 3.1.1 client-initiated DISCONNECT: always
// normal, since 3.1.1 DISCONNECT carries no reason code and therefore
// never requests the will to fire.
func (c *Conn) HandleDisconnectV4(ctx context.Context) {
	c.Close(ctx, true)
}

// HandleDisconnectV5 runs a 5.0 client-initiated DISCONNECT. Reason
// 0x04 (Disconnect with Will Message) asks the broker to publish the will
// despite the disconnect being voluntary (MQTT-5.0 §3.14.2.1).
func (c *Conn) HandleDisconnectV5(ctx context.Context, pkt *mqttpacket.V5Disconnect) {
	normal := pkt.ReasonCode != mqttpacket.ReasonDisconnectWithWill
	c.Close(ctx, normal)
}

// filterIn is the canonical, version-independent shape of one SUBSCRIBE
// filter.
type filterIn struct {
	Filter            string
	QoS               mqttpacket.QoS
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    byte
	SubscriptionID    uint32
}

// handleSubscribe validates each filter against cluster capability flags
// and the Auth Driver before installing it, then delivers matching
// retained messages for any filter that was actually installed. Each
// filter's outcome is independent of the others.
func (c *Conn) handleSubscribe(ctx context.Context, filters []filterIn) []mqttpacket.ReasonCode {
	cluster := c.router.Meta.Cluster
	results := make([]mqttpacket.ReasonCode, len(filters))

	toInstall := make([]subscribe.Subscription, 0, len(filters))
	installIdx := make([]int, 0, len(filters))

	for i, f := range filters {
		if !cluster.WildcardSubAvailable && containsWildcard(f.Filter) {
			results[i] = mqttpacket.ReasonWildcardSubNotSupported
			continue
		}
		if !cluster.SharedSubAvailable && strings.HasPrefix(f.Filter, "$share/") {
			results[i] = mqttpacket.ReasonSharedSubNotSupported
			continue
		}
		switch c.router.Auth.Authorize(ctx, c.clientID, c.username, f.Filter, auth.Subscribe) {
		case auth.Denied:
			results[i] = mqttpacket.ReasonNotAuthorized
			continue
		case auth.Unavailable:
			results[i] = mqttpacket.ReasonServerUnavailable
			continue
		}

		installIdx = append(installIdx, i)
		toInstall = append(toInstall, subscribe.Subscription{
			ClientID: c.clientID, Filter: f.Filter, QoS: f.QoS, NoLocal: f.NoLocal,
			RetainAsPublished: f.RetainAsPublished, RetainHandling: f.RetainHandling, SubscriptionID: f.SubscriptionID,
		})
	}

	if len(toInstall) == 0 {
		return results
	}

	installed := c.router.Subs.Subscribe(c.clientID, toInstall)
	for j, res := range installed {
		i := installIdx[j]
		results[i] = res.ReasonCode
		if res.ReasonCode < mqttpacket.ReasonUnspecifiedError && filters[i].RetainHandling != 2 {
			c.deliverRetained(toInstall[j])
		}
	}
	return results
}

// deliverRetained replays every live retained message matching one newly
// installed subscription's filter. It builds a throwaway single-filter
// trie rather than duplicating pkg/trie's wildcard matching logic.
func (c *Conn) deliverRetained(sub subscribe.Subscription) {
	tr := trie.New[bool]()
	if err := tr.Insert(sub.Filter, true); err != nil {
		return
	}
	matches := c.router.Retained.MatchAll(func(topic string) bool { return len(tr.MatchAll(topic)) > 0 })
	if len(matches) == 0 {
		return
	}

	queue, ok := c.router.Sessions.Queue(c.clientID)
	if !ok {
		return
	}
	for _, msg := range matches {
		qos := sub.QoS
		if msg.QoS < qos {
			qos = msg.QoS
		}
		props := msg.Properties
		if sub.SubscriptionID != 0 {
			props = withSubscriptionID(props, sub.SubscriptionID)
		}
		if qos == mqttpacket.AtMostOnce {
			queue.PublishQoS0(msg.Topic, msg.Payload, props, true)
		} else {
			queue.Publish(qos, msg.Topic, msg.Payload, props, true)
		}
	}
}

func containsWildcard(filter string) bool {
	f := filter
	if strings.HasPrefix(f, "$share/") {
		if parts := strings.SplitN(f, "/", 3); len(parts) == 3 {
			f = parts[2]
		}
	}
	return strings.ContainsAny(f, "+#")
}

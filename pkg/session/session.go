// Package session implements the Session/Connection Manager: the CONNECT
// lifecycle (authenticate, assign client_id, takeover, session resume vs
// clean_start), DISCONNECT handling, and the glue that hands an abnormal
// disconnect off to the Last-Will Processor.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nimbusmq/broker/pkg/auth"
	"github.com/nimbusmq/broker/pkg/delivery"
	"github.com/nimbusmq/broker/pkg/heartbeat"
	"github.com/nimbusmq/broker/pkg/idempotent"
	"github.com/nimbusmq/broker/pkg/lastwill"
	"github.com/nimbusmq/broker/pkg/metadata"
	"github.com/nimbusmq/broker/pkg/mqttpacket"
	"github.com/nimbusmq/broker/pkg/subscribe"
)

// ConnectRequest carries the fields of CONNECT the manager needs,
// independent of wire version.
type ConnectRequest struct {
	ConnectionID   uint64
	ClientID       string
	Username       string
	Password       []byte
	ProtocolV5     bool
	CleanStart     bool
	KeepAlive      uint16
	ReceiveMax     uint16
	MaxPacketSize  uint32
	SourceAddr     string
	SessionExpiry  uint32
	Will           *lastwill.Will
	WillDelay      uint32
}

// ConnectOutcome is what the Command Handler needs to build a CONNACK.
type ConnectOutcome struct {
	Reason        mqttpacket.ReasonCode
	SessionPresent bool
	AssignedQueue *delivery.Queue
}

// TakeoverFunc forcibly disconnects a connection superseded by a new
// CONNECT for the same client_id. The Command Handler supplies this; it
// closes the old connection's transport at once, without waiting for the
// writer to flush and without sending a DISCONNECT.
type TakeoverFunc func(oldConnectionID uint64, reasonCode mqttpacket.ReasonCode)

// Manager ties the Metadata Cache, Subscribe Manager, Idempotent Store,
// Heartbeat Manager, and Last-Will Processor together for the CONNECT/
// DISCONNECT lifecycle.
type Manager struct {
	meta       *metadata.Cache
	subs       *subscribe.Manager
	idemp      idempotent.Store
	heartbeats *heartbeat.Manager
	wills      *lastwill.Processor
	authDriver *auth.Driver
	onTakeover TakeoverFunc

	queuesMu sync.RWMutex
	queues   map[string]*delivery.Queue
}

// New creates a Manager. publishWill is wired to the normal publish path so
// a synthesized will is matched against subscriptions and retained exactly
// like any other PUBLISH.
func New(meta *metadata.Cache, subs *subscribe.Manager, idemp idempotent.Store, heartbeats *heartbeat.Manager, authDriver *auth.Driver, onTakeover TakeoverFunc, publishWill lastwill.PublishFunc) *Manager {
	return &Manager{
		meta:       meta,
		subs:       subs,
		idemp:      idemp,
		heartbeats: heartbeats,
		wills:      lastwill.New(publishWill),
		authDriver: authDriver,
		onTakeover: onTakeover,
		queues:     make(map[string]*delivery.Queue),
	}
}

// Connect runs the full CONNECT lifecycle and returns the outcome the
// Command Handler needs to build CONNACK. A non-Success Reason means the
// caller must send that CONNACK (or, for 3.1.1, its mapped return code) and
// close the transport without proceeding further.
func (m *Manager) Connect(ctx context.Context, req ConnectRequest) ConnectOutcome {
	decision := m.authDriver.Authenticate(ctx, req.ClientID, req.Username, req.Password)
	switch decision {
	case auth.Denied:
		if req.ProtocolV5 {
			return ConnectOutcome{Reason: mqttpacket.ReasonBadUserNameOrPassword}
		}
		return ConnectOutcome{Reason: mqttpacket.ReasonCode(mqttpacket.ConnectBadCredentials)}
	case auth.Unavailable:
		return ConnectOutcome{Reason: mqttpacket.ReasonServerUnavailable}
	}

	if prev := m.meta.PutConnection(&metadata.Connection{
		ConnectionID:  req.ConnectionID,
		ClientID:      req.ClientID,
		ProtocolV5:    req.ProtocolV5,
		KeepAlive:     req.KeepAlive,
		MaxPacketSize: req.MaxPacketSize,
		ReceiveMax:    req.ReceiveMax,
		SourceAddr:    req.SourceAddr,
		CreatedAt:     time.Now(),
	}); prev != nil {
		m.takeover(prev, req.ClientID)
	}

	sessionPresent := false
	if req.CleanStart {
		_ = m.meta.RemoveSession(ctx, req.ClientID)
		m.subs.RemoveClient(req.ClientID)
		_ = m.idemp.DeleteSession(ctx, req.ClientID)
	} else if existing, ok, err := m.meta.LoadSession(ctx, req.ClientID); err == nil && ok {
		sessionPresent = true
		if existing.ContainsLastWill {
			m.wills.Cancel(req.ClientID, existing.LastWillGeneration)
		}
		existing.ReconnectCounter++
		existing.LastBoundConnection = req.ConnectionID
		if err := m.meta.PutSession(ctx, &existing); err != nil {
			slog.Warn("session: persist resumed session failed", "client_id", req.ClientID, "error", err)
		}
		if queue, ok := m.Queue(req.ClientID); ok {
			queue.Resume()
		}
	}

	if !sessionPresent {
		sess := &metadata.Session{
			ClientID:              req.ClientID,
			SessionExpiryInterval: req.SessionExpiry,
			ContainsLastWill:      req.Will != nil,
			LastWillDelay:         req.WillDelay,
			ReconnectCounter:      0,
			CreatedAt:             time.Now(),
			LastBoundConnection:   req.ConnectionID,
		}
		if err := m.meta.PutSession(ctx, sess); err != nil {
			slog.Warn("session: persist new session failed", "client_id", req.ClientID, "error", err)
		}
	}

	queue := delivery.NewQueue(256, req.ReceiveMax)
	m.queuesMu.Lock()
	m.queues[req.ClientID] = queue
	m.queuesMu.Unlock()

	m.heartbeats.Track(req.ConnectionID, req.ClientID, time.Duration(req.KeepAlive)*time.Second)

	return ConnectOutcome{Reason: mqttpacket.ReasonSuccess, SessionPresent: sessionPresent, AssignedQueue: queue}
}

func (m *Manager) takeover(prev *metadata.Connection, clientID string) {
	m.heartbeats.Untrack(prev.ConnectionID)
	reason := mqttpacket.ReasonSessionTakenOver
	if m.onTakeover != nil {
		m.onTakeover(prev.ConnectionID, reason)
	}
}

// Disconnect handles a DISCONNECT or transport close. normal is true only
// for a client-initiated DISCONNECT with reason 0x00 (or any 3.1.1
// DISCONNECT, which never carries a will). A last will is armed only for an
// abnormal disconnect on a session that declared one.
func (m *Manager) Disconnect(ctx context.Context, connectionID uint64, clientID string, normal bool, will *lastwill.Will, willDelay uint32) {
	m.heartbeats.Untrack(connectionID)
	m.meta.RemoveConnection(clientID, connectionID)

	if !normal && will != nil {
		gen := m.wills.Arm(*will, time.Duration(willDelay)*time.Second)
		if sess, ok := m.meta.Session(clientID); ok {
			sess.LastWillGeneration = gen
			if err := m.meta.PutSession(ctx, &sess); err != nil {
				slog.Warn("session: persist will generation failed", "client_id", clientID, "error", err)
			}
		}
	}

	sess, ok := m.meta.Session(clientID)
	if !ok || sess.SessionExpiryInterval == 0 {
		m.expireSession(ctx, clientID)
	}
}

// expireSession drops a session's durable state entirely: metadata record,
// subscriptions, idempotency window, and outbound queue.
func (m *Manager) expireSession(ctx context.Context, clientID string) {
	if err := m.meta.RemoveSession(ctx, clientID); err != nil {
		slog.Debug("session: remove session failed", "client_id", clientID, "error", err)
	}
	m.subs.RemoveClient(clientID)
	_ = m.idemp.DeleteSession(ctx, clientID)
	m.queuesMu.Lock()
	delete(m.queues, clientID)
	m.queuesMu.Unlock()
}

// Queue returns the outbound delivery queue for a live session, if any.
func (m *Manager) Queue(clientID string) (*delivery.Queue, bool) {
	m.queuesMu.RLock()
	defer m.queuesMu.RUnlock()
	q, ok := m.queues[clientID]
	return q, ok
}

// ConnAckReason maps a component-level reason code to the protocol-specific
// CONNACK code: 3.1.1 only has the five legacy codes.
func ConnAckReason(v5 bool, reason mqttpacket.ReasonCode) fmt.Stringer {
	if v5 {
		return reason
	}
	return mqttpacket.V311ConnAckCode(reason)
}

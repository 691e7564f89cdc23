// Package delivery implements the Delivery Engine: one ordered outbound
// queue per session carrying the QoS 1/2 acknowledgement state machine,
// receive_max admission control, and DUP=1 redelivery on session resume.
package delivery

import (
	"sync"

	"github.com/nimbusmq/broker/pkg/mqttpacket"
)

// State is where an outbound QoS>0 message sits in its acknowledgement
// lifecycle.
type State int

const (
	PendingPubAck State = iota
	PendingPubRec
	PendingPubComp
	Done
)

// Record is one outbound delivery awaiting acknowledgement.
type Record struct {
	PacketID   uint16
	QoS        mqttpacket.QoS
	Topic      string
	Payload    []byte
	Properties *mqttpacket.V5Properties
	Retain     bool
	State      State
	Attempts   int
	DUP        bool
}

// Outbound is the message handed to a connection's writer task.
type Outbound struct {
	PacketID   uint16 // 0 for QoS 0
	QoS        mqttpacket.QoS
	Topic      string
	Payload    []byte
	Properties *mqttpacket.V5Properties
	Retain     bool
	DUP        bool
}

const defaultReceiveMax = 65535

// Queue is a single session's ordered outbound delivery state. It is safe
// for concurrent use; Publish may be called from many goroutines handling
// different matched subscriptions while a single writer task drains Out.
type Queue struct {
	mu sync.Mutex

	out chan Outbound

	receiveMax uint16
	inflight   uint16

	nextPacketID uint16
	pending      map[uint16]*Record // by state PENDING_PUBACK/PENDING_PUBREC/PENDING_PUBCOMP
	held         []Outbound         // QoS>0 messages waiting for receive_max headroom
}

// NewQueue creates a session outbound queue. bufSize bounds the channel the
// writer task drains; receiveMax is the peer's negotiated receive_max,
// defaulting to 65535 when zero.
func NewQueue(bufSize int, receiveMax uint16) *Queue {
	if receiveMax == 0 {
		receiveMax = defaultReceiveMax
	}
	return &Queue{
		out:        make(chan Outbound, bufSize),
		receiveMax: receiveMax,
		pending:    make(map[uint16]*Record),
	}
}

// Out is the channel a connection's writer task drains to encode and send
// packets in order.
func (q *Queue) Out() <-chan Outbound {
	return q.out
}

// PublishQoS0 enqueues a fire-and-forget delivery with no queue entry.
func (q *Queue) PublishQoS0(topic string, payload []byte, props *mqttpacket.V5Properties, retain bool) {
	q.out <- Outbound{Topic: topic, Payload: payload, Properties: props, Retain: retain}
}

// Publish enqueues a QoS 1 or 2 delivery, assigning the next free packet id
// and admitting it immediately if under receive_max, else holding it until
// an ack frees headroom.
func (q *Queue) Publish(qos mqttpacket.QoS, topic string, payload []byte, props *mqttpacket.V5Properties, retain bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := Outbound{QoS: qos, Topic: topic, Payload: payload, Properties: props, Retain: retain}

	if q.inflight >= q.receiveMax {
		q.held = append(q.held, out)
		return
	}
	q.admit(out)
}

// admit must be called with mu held. It assigns a packet id, records
// PENDING_PUBACK (QoS 1) or PENDING_PUBREC (QoS 2) state, and sends the
// packet to the writer task.
func (q *Queue) admit(out Outbound) {
	out.PacketID = q.allocatePacketID()

	state := PendingPubAck
	if out.QoS == mqttpacket.ExactlyOnce {
		state = PendingPubRec
	}
	q.pending[out.PacketID] = &Record{
		PacketID:   out.PacketID,
		QoS:        out.QoS,
		Topic:      out.Topic,
		Payload:    out.Payload,
		Properties: out.Properties,
		Retain:     out.Retain,
		State:      state,
	}
	q.inflight++
	q.out <- out
}

// allocatePacketID returns the next free id in 1..=65535, skipping ids
// still held by a non-DONE record.
func (q *Queue) allocatePacketID() uint16 {
	for {
		q.nextPacketID++
		if q.nextPacketID == 0 {
			q.nextPacketID = 1
		}
		if _, busy := q.pending[q.nextPacketID]; !busy {
			return q.nextPacketID
		}
	}
}

// HandlePubAck completes a QoS 1 delivery.
func (q *Queue) HandlePubAck(packetID uint16) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.pending[packetID]
	if !ok || rec.State != PendingPubAck {
		return
	}
	delete(q.pending, packetID)
	q.release()
}

// HandlePubRec advances a QoS 2 delivery to PENDING_PUBCOMP and returns the
// PUBREL the writer task must send.
func (q *Queue) HandlePubRec(packetID uint16) (pubrel Outbound, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, exists := q.pending[packetID]
	if !exists || rec.State != PendingPubRec {
		return Outbound{}, false
	}
	rec.State = PendingPubComp
	return Outbound{PacketID: packetID, QoS: mqttpacket.ExactlyOnce}, true
}

// HandlePubComp completes a QoS 2 delivery.
func (q *Queue) HandlePubComp(packetID uint16) {
	q.mu.Lock()
	defer q.mu.Unlock()
	rec, ok := q.pending[packetID]
	if !ok || rec.State != PendingPubComp {
		return
	}
	delete(q.pending, packetID)
	q.release()
}

// release must be called with mu held after a record completes. It frees
// one unit of receive_max headroom and admits the oldest held message, if
// any, preserving FIFO order among held messages.
func (q *Queue) release() {
	q.inflight--
	if len(q.held) == 0 {
		return
	}
	next := q.held[0]
	q.held = q.held[1:]
	q.admit(next)
}

// Resume re-sends every non-DONE record in ascending packet_id order with
// DUP=1, for session-resume redelivery. A QoS 2 record already in
// PENDING_PUBCOMP re-sends its PUBREL rather than the PUBLISH, since the
// peer already has the payload.
func (q *Queue) Resume() {
	q.mu.Lock()
	ids := make([]uint16, 0, len(q.pending))
	for id := range q.pending {
		ids = append(ids, id)
	}
	sortUint16(ids)

	resend := make([]Outbound, 0, len(ids))
	for _, id := range ids {
		rec := q.pending[id]
		rec.Attempts++
		if rec.State == PendingPubComp {
			resend = append(resend, Outbound{PacketID: id, QoS: mqttpacket.ExactlyOnce})
			continue
		}
		resend = append(resend, Outbound{
			PacketID:   id,
			QoS:        rec.QoS,
			Topic:      rec.Topic,
			Payload:    rec.Payload,
			Properties: rec.Properties,
			Retain:     rec.Retain,
			DUP:        true,
		})
	}
	q.mu.Unlock()

	for _, out := range resend {
		q.out <- out
	}
}

func sortUint16(ids []uint16) {
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
}

// Package lastwill implements the Last-Will Processor: a cancellable delay
// timer per client that fires a saved will message on abnormal disconnect
// unless the client reconnects within its will_delay_interval first.
package lastwill

import (
	"sync"
	"time"

	"github.com/nimbusmq/broker/pkg/mqttpacket"
)

// Will is the last-will message saved from a client's CONNECT.
type Will struct {
	ClientID   string
	Topic      string
	Payload    []byte
	QoS        mqttpacket.QoS
	Retain     bool
	Properties *mqttpacket.V5Properties
}

// PublishFunc delivers a synthesized will PUBLISH through the normal publish
// path (retain store + subscribe match + delivery).
type PublishFunc func(will Will)

// Processor tracks one pending delay timer per client_id, keyed additionally
// by a generation counter so a reconnect-then-disconnect-again sequence
// can't cancel the wrong timer.
type Processor struct {
	mu         sync.Mutex
	pending    map[string]*pendingWill
	generation uint64
	onPublish  PublishFunc
}

type pendingWill struct {
	generation uint64
	timer      *time.Timer
}

// New creates a Processor that calls onPublish when a will's delay elapses
// uncancelled.
func New(onPublish PublishFunc) *Processor {
	return &Processor{
		pending:   make(map[string]*pendingWill),
		onPublish: onPublish,
	}
}

// Arm starts the delay timer for an abnormal disconnect carrying a last
// will. delay is 0 for MQTT 3.1.1 (fires immediately) and the negotiated
// will_delay_interval for MQTT 5.0. Arm returns the generation assigned to
// this timer; the caller must pass it back to Cancel on a timely reconnect,
// so a reconnect racing a slow disconnect can never cancel a will armed by a
// later generation.
func (p *Processor) Arm(will Will, delay time.Duration) (generation uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.pending[will.ClientID]; ok {
		existing.timer.Stop()
	}

	p.generation++
	generation = p.generation

	pw := &pendingWill{generation: generation}
	pw.timer = time.AfterFunc(delay, func() {
		p.mu.Lock()
		cur, ok := p.pending[will.ClientID]
		if !ok || cur.generation != generation {
			p.mu.Unlock()
			return
		}
		delete(p.pending, will.ClientID)
		p.mu.Unlock()

		p.onPublish(will)
	})
	p.pending[will.ClientID] = pw
	return generation
}

// Cancel stops clientID's pending will if its generation matches, e.g. when
// the client reconnects within the delay. Returns true if a timer was
// cancelled.
func (p *Processor) Cancel(clientID string, generation uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	pw, ok := p.pending[clientID]
	if !ok || pw.generation != generation {
		return false
	}
	pw.timer.Stop()
	delete(p.pending, clientID)
	return true
}

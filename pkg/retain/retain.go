// Package retain implements the Retain Store: an index from topic name to
// at most one retained message, served to new subscriptions. Expiry is
// checked lazily on read, which is cheaper and avoids extra shared state
// compared to a background sweeper.
package retain

import (
	"sync"
	"time"

	"github.com/nimbusmq/broker/pkg/mqttpacket"
)

// Message is a retained PUBLISH, stripped of everything the Retain Store
// doesn't need to replay it later.
type Message struct {
	Topic        string
	Payload      []byte
	QoS          mqttpacket.QoS
	ExpiryEpoch  uint64 // 0 means no expiry
	Properties   *mqttpacket.V5Properties
}

// Store indexes retained messages by topic name.
type Store struct {
	mu       sync.RWMutex
	messages map[string]*Message

	now func() time.Time // overridable for tests
}

// New creates an empty Store.
func New() *Store {
	return &Store{messages: make(map[string]*Message), now: time.Now}
}

// Put upserts the retained message for topic. A zero-length payload deletes
// the entry instead (MQTT-3.1.1 §3.3.1.3 / MQTT-5.0 §3.3.1.3).
func (s *Store) Put(msg Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(msg.Payload) == 0 {
		delete(s.messages, msg.Topic)
		return
	}

	cp := msg
	s.messages[msg.Topic] = &cp
}

// Get returns the retained message for topic if present and not expired.
// An expired entry is evicted as a side effect of the read.
func (s *Store) Get(topic string) (Message, bool) {
	s.mu.RLock()
	msg, ok := s.messages[topic]
	s.mu.RUnlock()
	if !ok {
		return Message{}, false
	}

	if s.expired(msg) {
		s.mu.Lock()
		if cur, ok := s.messages[topic]; ok && cur == msg {
			delete(s.messages, topic)
		}
		s.mu.Unlock()
		return Message{}, false
	}

	return *msg, true
}

// MatchAll returns every still-live retained message whose topic satisfies
// matches, used when a SUBSCRIBE's retain_handling requests
// immediate delivery of matching retained messages.
func (s *Store) MatchAll(matches func(topic string) bool) []Message {
	s.mu.RLock()
	candidates := make([]*Message, 0, len(s.messages))
	for topic, msg := range s.messages {
		if matches(topic) {
			candidates = append(candidates, msg)
		}
	}
	s.mu.RUnlock()

	out := make([]Message, 0, len(candidates))
	for _, msg := range candidates {
		if !s.expired(msg) {
			out = append(out, *msg)
		}
	}
	return out
}

func (s *Store) expired(msg *Message) bool {
	if msg.ExpiryEpoch == 0 {
		return false
	}
	return uint64(s.now().Unix()) >= msg.ExpiryEpoch
}

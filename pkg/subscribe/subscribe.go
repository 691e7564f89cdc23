// Package subscribe implements the Subscribe Manager: a per-broker filter
// table built on pkg/trie, shared-subscription group membership with
// round-robin delivery, and the granted-QoS bookkeeping returned in SUBACK.
package subscribe

import (
	"errors"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nimbusmq/broker/pkg/mqttpacket"
	"github.com/nimbusmq/broker/pkg/trie"
)

// ErrInvalidFilter is returned for a syntactically malformed topic filter.
var ErrInvalidFilter = errors.New("subscribe: invalid topic filter")

// Subscription is one (client, filter) pair held in the filter table.
type Subscription struct {
	ClientID          string
	Filter            string // actual filter, with any $share/<group>/ prefix stripped
	ShareGroup        string // empty for non-shared subscriptions
	QoS               mqttpacket.QoS
	NoLocal           bool
	RetainAsPublished bool
	RetainHandling    byte
	SubscriptionID    uint32 // MQTT 5 only, 0 means absent
}

// group holds the members of one shared-subscription group for one actual
// topic filter and round-robins deliveries across them, mirroring the
// teacher's sharedGroup/nextSubscriber split between membership and cursor.
type group struct {
	mu      sync.RWMutex
	members []*Subscription
	cursor  atomic.Uint64
}

func (g *group) add(sub *Subscription) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, m := range g.members {
		if m.ClientID == sub.ClientID {
			g.members[i] = sub
			return
		}
	}
	g.members = append(g.members, sub)
}

func (g *group) remove(clientID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	for i, m := range g.members {
		if m.ClientID == clientID {
			g.members = append(g.members[:i], g.members[i+1:]...)
			return true
		}
	}
	return false
}

func (g *group) isEmpty() bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members) == 0
}

func (g *group) next() *Subscription {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if len(g.members) == 0 {
		return nil
	}
	idx := (g.cursor.Add(1) - 1) % uint64(len(g.members))
	return g.members[idx]
}

// Manager is the broker-wide subscription filter table.
type Manager struct {
	// mu guards byClient and groups, and the group-creation race in
	// Subscribe; it does not guard plain or shared, each of which holds its
	// own lock (see pkg/trie) so Match never blocks on it.
	mu sync.Mutex

	plain  *trie.Trie[*Subscription]
	shared *trie.Trie[*group]

	// byClient tracks every filter a client holds (shared or not) so
	// RemoveClient can undo them all without a full table scan.
	byClient map[string]map[string]struct{}

	// groups indexes live groups by "groupName\x00actualFilter" so adding a
	// second member to an existing group reuses its cursor.
	groups map[string]*group
}

// New creates an empty Manager.
func New() *Manager {
	return &Manager{
		plain:    trie.New[*Subscription](),
		shared:   trie.New[*group](),
		byClient: make(map[string]map[string]struct{}),
		groups:   make(map[string]*group),
	}
}

// Result is the per-filter outcome of a SUBSCRIBE, independent of protocol
// version; callers map ReasonCode to a v3.1.1 0x80/granted-qos byte as needed.
type Result struct {
	Filter     string
	ReasonCode mqttpacket.ReasonCode // ReasonSuccess/ReasonGrantedQoS1/ReasonGrantedQoS2 on success
}

// Subscribe validates and installs each filter, returning one Result per
// filter in order. A malformed filter is rejected on its own without
// aborting the remaining filters in the request (MQTT-3.1.1 §3.8.4).
func (m *Manager) Subscribe(clientID string, filters []Subscription) []Result {
	results := make([]Result, len(filters))

	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range filters {
		sub := filters[i]
		sub.ClientID = clientID

		groupName, actual, isShared := parseSharedFilter(sub.Filter)
		if !validFilter(actual) {
			results[i] = Result{Filter: sub.Filter, ReasonCode: mqttpacket.ReasonTopicFilterInvalid}
			continue
		}

		cp := sub
		cp.Filter = actual
		cp.ShareGroup = groupName

		if isShared {
			key := groupName + "\x00" + actual
			g, ok := m.groups[key]
			if !ok {
				g = &group{}
				m.groups[key] = g
				if err := m.shared.Insert(actual, g); err != nil {
					results[i] = Result{Filter: sub.Filter, ReasonCode: mqttpacket.ReasonTopicFilterInvalid}
					delete(m.groups, key)
					continue
				}
			}
			g.add(&cp)
		} else {
			if err := m.plain.Insert(actual, &cp); err != nil {
				results[i] = Result{Filter: sub.Filter, ReasonCode: mqttpacket.ReasonTopicFilterInvalid}
				continue
			}
		}

		if _, ok := m.byClient[clientID]; !ok {
			m.byClient[clientID] = make(map[string]struct{})
		}
		m.byClient[clientID][sub.Filter] = struct{}{}

		results[i] = Result{Filter: sub.Filter, ReasonCode: grantedReason(cp.QoS)}
	}

	return results
}

// Unsubscribe removes clientID's registration for each filter, pruning any
// shared group left empty. Returns one success/not-found reason per filter.
func (m *Manager) Unsubscribe(clientID string, filters []string) []mqttpacket.ReasonCode {
	results := make([]mqttpacket.ReasonCode, len(filters))

	m.mu.Lock()
	defer m.mu.Unlock()

	for i, f := range filters {
		groupName, actual, isShared := parseSharedFilter(f)

		found := false
		if isShared {
			key := groupName + "\x00" + actual
			if g, ok := m.groups[key]; ok {
				found = g.remove(clientID)
				if g.isEmpty() {
					m.shared.Remove(actual, func(cand *group) bool { return cand == g })
					delete(m.groups, key)
				}
			}
		} else {
			found = m.plain.Remove(actual, func(s *Subscription) bool { return s.ClientID == clientID })
		}

		if clientSet, ok := m.byClient[clientID]; ok {
			delete(clientSet, f)
			if len(clientSet) == 0 {
				delete(m.byClient, clientID)
			}
		}

		if found {
			results[i] = mqttpacket.ReasonSuccess
		} else {
			results[i] = mqttpacket.ReasonNoSubscriptionExisted
		}
	}

	return results
}

// RemoveClient drops every filter held by clientID, e.g. on session end.
func (m *Manager) RemoveClient(clientID string) {
	m.mu.Lock()
	filters := make([]string, 0, len(m.byClient[clientID]))
	for f := range m.byClient[clientID] {
		filters = append(filters, f)
	}
	m.mu.Unlock()

	if len(filters) > 0 {
		m.Unsubscribe(clientID, filters)
	}
}

// Match resolves the set of subscriptions a PUBLISH to topic should be
// delivered to: every matching plain subscription, plus one round-robin pick
// per matching shared group. It touches neither byClient nor groups, so it
// takes no lock on Manager itself and relies entirely on plain/shared's own
// internal locking, letting fan-out run concurrently with Subscribe and
// Unsubscribe instead of serializing behind Manager.mu.
func (m *Manager) Match(topic string) []*Subscription {
	plain := m.plain.MatchAll(topic)
	groups := m.shared.MatchAll(topic)

	out := make([]*Subscription, 0, len(plain)+len(groups))
	out = append(out, plain...)
	for _, g := range groups {
		if sub := g.next(); sub != nil {
			out = append(out, sub)
		}
	}
	return out
}

func grantedReason(qos mqttpacket.QoS) mqttpacket.ReasonCode {
	switch qos {
	case mqttpacket.AtLeastOnce:
		return mqttpacket.ReasonGrantedQoS1
	case mqttpacket.ExactlyOnce:
		return mqttpacket.ReasonGrantedQoS2
	default:
		return mqttpacket.ReasonGrantedQoS0
	}
}

// parseSharedFilter splits a "$share/<group>/<filter>" subscription into its
// group name and actual filter. Non-shared filters return ok=false.
func parseSharedFilter(filter string) (groupName, actual string, ok bool) {
	const prefix = "$share/"
	if !strings.HasPrefix(filter, prefix) {
		return "", filter, false
	}
	rest := filter[len(prefix):]
	idx := strings.Index(rest, "/")
	if idx <= 0 || idx == len(rest)-1 {
		return "", filter, false
	}
	return rest[:idx], rest[idx+1:], true
}

// validFilter rejects empty filters and "#"/"+" levels that aren't whole
// path segments; pkg/trie.Insert separately enforces "#" being terminal.
func validFilter(filter string) bool {
	if filter == "" {
		return false
	}
	for _, level := range strings.Split(filter, "/") {
		if len(level) > 1 && (strings.Contains(level, "#") || strings.Contains(level, "+")) {
			return false
		}
	}
	return true
}

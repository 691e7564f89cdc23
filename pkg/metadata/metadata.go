// Package metadata implements the in-process Metadata Cache: a read-mostly,
// copy-on-read index of cluster, connection, session, and topic records.
// Topic records are write-through to an external store via the Backend
// interface, and Session records to a kv.Store when one is set with
// WithStore; everything else lives only as long as the process.
package metadata

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nimbusmq/broker/pkg/kv"
)

// Cluster carries the immutable protocol limits negotiated for this broker
// process.
type Cluster struct {
	Name                   string
	MaxPacketSize          uint32
	ReceiveMax             uint16
	SessionExpiryMax       uint32
	RetainAvailable        bool
	WildcardSubAvailable   bool
	SharedSubAvailable     bool
	MaxQoS                 byte
}

// Connection is the record for a live transport-level connection. It exists
// only while the socket is open.
type Connection struct {
	ConnectionID   uint64
	ClientID       string
	ProtocolV5     bool
	KeepAlive      uint16
	MaxPacketSize  uint32
	ReceiveMax     uint16
	SourceAddr     string
	CreatedAt      time.Time
}

// Session is the durable per-client record that survives across
// reconnects when session_expiry_interval > 0.
type Session struct {
	ClientID              string
	SessionExpiryInterval uint32
	ContainsLastWill      bool
	LastWillDelay         uint32
	// LastWillGeneration is the generation lastwill.Processor.Arm returned
	// for the will armed on this client's most recent abnormal disconnect,
	// so a reconnect within will_delay_interval can cancel the right timer
	// even if a slower-arriving Arm from a stale disconnect raced it.
	LastWillGeneration  uint64
	ReconnectCounter    uint32
	CreatedAt           time.Time
	LastBoundConnection uint64
}

// Topic is the (cluster, topic_name) record, created lazily on first
// publish and write-through to the external metadata store.
type Topic struct {
	TopicID             string
	Name                string
	RetainedPayload     []byte
	RetainedExpiryEpoch uint64
	MappedShard         string
}

// Backend is the write-through target for Topic records: the external
// placement-center metadata store. The only implementation in this module
// is noopBackend, used when WithBackend is not given; *placementclient.Client
// does not satisfy it (its CreateTopic/DeleteTopic take a cluster name).
// Callers in tests may substitute an in-memory stub.
type Backend interface {
	UpsertTopic(ctx context.Context, t Topic) error
	DeleteTopic(ctx context.Context, name string) error
}

// noopBackend is used when no external store is configured (standalone
// development mode); writes are accepted and discarded.
type noopBackend struct{}

func (noopBackend) UpsertTopic(context.Context, Topic) error  { return nil }
func (noopBackend) DeleteTopic(context.Context, string) error { return nil }

// Cache is the process-wide Metadata Cache. Each logical map is its own
// mutex-guarded shard so that, e.g., a connection add never blocks a topic
// lookup.
type Cache struct {
	Cluster Cluster

	connMu sync.RWMutex
	conns  map[string]*Connection // keyed by client_id

	sessMu sync.RWMutex
	sess   map[string]*Session // keyed by client_id

	topicMu sync.RWMutex
	topics  map[string]*Topic // keyed by topic name

	store   kv.Store
	backend Backend
}

// Option configures a Cache.
type Option func(*Cache)

// WithStore sets the write-through kv.Store used to persist Session records
// across process restarts. Topic records are not written to it; they are
// mirrored to the Backend.
func WithStore(store kv.Store) Option {
	return func(c *Cache) { c.store = store }
}

// WithBackend sets the external placement-center client that Topic writes
// are mirrored to.
func WithBackend(b Backend) Option {
	return func(c *Cache) { c.backend = b }
}

// New creates an empty Cache for the given cluster limits.
func New(cluster Cluster, opts ...Option) *Cache {
	c := &Cache{
		Cluster: cluster,
		conns:   make(map[string]*Connection),
		sess:    make(map[string]*Session),
		topics:  make(map[string]*Topic),
		backend: noopBackend{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PutConnection registers conn, replacing and returning any prior
// Connection that was live for the same client_id (the caller must close
// the prior transport and notify the Session/Connection Manager of the
// takeover).
func (c *Cache) PutConnection(conn *Connection) (previous *Connection) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	previous = c.conns[conn.ClientID]
	cp := *conn
	c.conns[conn.ClientID] = &cp
	return previous
}

// Connection returns a snapshot of the live Connection for clientID, if any.
func (c *Cache) Connection(clientID string) (Connection, bool) {
	c.connMu.RLock()
	defer c.connMu.RUnlock()
	conn, ok := c.conns[clientID]
	if !ok {
		return Connection{}, false
	}
	return *conn, true
}

// RemoveConnection deletes the Connection record for clientID if it is
// still the one identified by connectionID (stale removals from a
// superseded connection are ignored).
func (c *Cache) RemoveConnection(clientID string, connectionID uint64) {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if conn, ok := c.conns[clientID]; ok && conn.ConnectionID == connectionID {
		delete(c.conns, clientID)
	}
}

// PutSession stores sess, replacing any existing record for the same
// client_id (a clean_start CONNECT always calls this to discard priors).
func (c *Cache) PutSession(ctx context.Context, sess *Session) error {
	c.sessMu.Lock()
	cp := *sess
	c.sess[sess.ClientID] = &cp
	c.sessMu.Unlock()

	if c.store == nil {
		return nil
	}
	return c.persistSession(ctx, &cp)
}

// Session returns a snapshot of the durable Session for clientID.
func (c *Cache) Session(clientID string) (Session, bool) {
	c.sessMu.RLock()
	defer c.sessMu.RUnlock()
	sess, ok := c.sess[clientID]
	if !ok {
		return Session{}, false
	}
	return *sess, true
}

// LoadSession looks up the durable Session for clientID, first in the
// in-process cache and, on a miss, in the write-through store (the path a
// resumed connection takes when its session survived a broker restart).
// The found Session is re-populated into the cache.
func (c *Cache) LoadSession(ctx context.Context, clientID string) (Session, bool, error) {
	if sess, ok := c.Session(clientID); ok {
		return sess, true, nil
	}
	if c.store == nil {
		return Session{}, false, nil
	}

	data, err := c.store.Get(ctx, kv.SessionKey(clientID))
	if err != nil {
		if err == kv.ErrNotFound {
			return Session{}, false, nil
		}
		return Session{}, false, err
	}

	sess, err := decodeSession(data)
	if err != nil {
		return Session{}, false, err
	}

	c.sessMu.Lock()
	c.sess[clientID] = sess
	c.sessMu.Unlock()

	return *sess, true, nil
}

// RemoveSession discards the Session for clientID (session_expiry elapsed,
// or a clean_start CONNECT replaced it).
func (c *Cache) RemoveSession(ctx context.Context, clientID string) error {
	c.sessMu.Lock()
	delete(c.sess, clientID)
	c.sessMu.Unlock()

	if c.store == nil {
		return nil
	}
	return c.store.Delete(ctx, kv.SessionKey(clientID))
}

func (c *Cache) persistSession(ctx context.Context, sess *Session) error {
	data, err := encodeSession(sess)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, kv.SessionKey(sess.ClientID), data)
}

// UpsertTopic creates or updates the Topic record for name, allocating a
// UUID topic_id on first creation, and write-through persists the change to
// the external backend.
func (c *Cache) UpsertTopic(ctx context.Context, name string, mutate func(*Topic)) (Topic, error) {
	c.topicMu.Lock()
	t, ok := c.topics[name]
	if !ok {
		t = &Topic{TopicID: uuid.NewString(), Name: name}
		c.topics[name] = t
	}
	mutate(t)
	snapshot := *t
	c.topicMu.Unlock()

	if err := c.backend.UpsertTopic(ctx, snapshot); err != nil {
		return Topic{}, err
	}
	return snapshot, nil
}

// Topic returns a snapshot of the Topic record for name, if it has been
// created.
func (c *Cache) Topic(name string) (Topic, bool) {
	c.topicMu.RLock()
	defer c.topicMu.RUnlock()
	t, ok := c.topics[name]
	if !ok {
		return Topic{}, false
	}
	return *t, true
}

// DeleteTopic removes the Topic record for name and mirrors the delete to
// the Backend.
func (c *Cache) DeleteTopic(ctx context.Context, name string) error {
	c.topicMu.Lock()
	delete(c.topics, name)
	c.topicMu.Unlock()
	return c.backend.DeleteTopic(ctx, name)
}

// Package idempotent implements the Idempotent Store: the set of in-flight
// QoS 2 (client_id, packet_id) pairs a broker must remember between an
// inbound PUBLISH and its PUBREL, so a retransmitted PUBLISH never reaches
// subscribers twice.
package idempotent

import (
	"context"

	"github.com/nimbusmq/broker/pkg/kv"
)

// Store is a narrow has/insert/delete interface so a durable backend can be
// swapped in without touching the Command Handler.
type Store interface {
	Has(ctx context.Context, clientID string, packetID uint16) (bool, error)
	Insert(ctx context.Context, clientID string, packetID uint16) error
	Delete(ctx context.Context, clientID string, packetID uint16) error
	// DeleteSession removes every entry for clientID, called when its
	// session ends.
	DeleteSession(ctx context.Context, clientID string) error
}

// kvStore implements Store over a kv.Store. The default deployment backs it
// with kv.Memory (in-memory is sufficient for a single-node broker); a
// kv.Badger-backed instance can be substituted behind the same interface
// for a durable QoS 2 extension.
type kvStore struct {
	store kv.Store
}

// New wraps a kv.Store as an idempotent.Store.
func New(store kv.Store) Store {
	return &kvStore{store: store}
}

func (s *kvStore) Has(ctx context.Context, clientID string, packetID uint16) (bool, error) {
	_, err := s.store.Get(ctx, kv.QoS2Key(clientID, packetID))
	if err == kv.ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *kvStore) Insert(ctx context.Context, clientID string, packetID uint16) error {
	return s.store.Set(ctx, kv.QoS2Key(clientID, packetID), []byte{1})
}

func (s *kvStore) Delete(ctx context.Context, clientID string, packetID uint16) error {
	return s.store.Delete(ctx, kv.QoS2Key(clientID, packetID))
}

func (s *kvStore) DeleteSession(ctx context.Context, clientID string) error {
	var keys []kv.Key
	for entry, err := range s.store.List(ctx, kv.QoS2Prefix(clientID)) {
		if err != nil {
			return err
		}
		keys = append(keys, entry.Key)
	}
	if len(keys) == 0 {
		return nil
	}
	return s.store.BatchDelete(ctx, keys)
}

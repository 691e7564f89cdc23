// Package kv is the durable control-plane store behind the broker's Session
// and QoS 2 idempotency records. Keys are hierarchical path segments (e.g.
// Key{"session", clientID} or Key{"qos2", clientID, packetID}) encoded with
// a configurable separator so a prefix scan via List can enumerate every
// record under a path — pkg/idempotent uses this to find every QoS 2 entry
// for one client_id on session end without a full table scan.
//
// pkg/metadata backs Session and Topic persistence with a Store; pkg/
// idempotent backs the QoS 2 dedup window with one. Memory is enough for a
// single-node deployment with no restart-durability requirement; Badger
// gives the same interface durability across restarts.
package kv

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
)

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("kv: not found")

// Key is a hierarchical path, e.g. Key{"session", "device-42"} or
// Key{"qos2", "device-42", "17"}. Segments must not themselves contain the
// configured separator.
type Key []string

// String renders the key joined by ':', for logging only — the store's
// on-disk encoding uses the configured Options separator, which may differ.
func (k Key) String() string {
	return strings.Join(k, ":")
}

// Entry is a key-value pair returned by List and accepted by BatchSet.
type Entry struct {
	Key   Key
	Value []byte
}

// Store is the control-plane key-value store interface. Both Session
// persistence (pkg/metadata) and the QoS 2 idempotency window
// (pkg/idempotent) are built on this, so a durable backend can be swapped
// in for either without touching their callers.
type Store interface {
	// Get retrieves the value for a key. Returns ErrNotFound if not present.
	Get(ctx context.Context, key Key) ([]byte, error)

	// Set stores a key-value pair, overwriting any existing value.
	Set(ctx context.Context, key Key, value []byte) error

	// Delete removes a key. No error if the key does not exist.
	Delete(ctx context.Context, key Key) error

	// List iterates every entry whose key starts with prefix, in
	// lexicographic order by encoded key. pkg/idempotent's DeleteSession
	// relies on this to enumerate a client's QoS 2 window.
	List(ctx context.Context, prefix Key) iter.Seq2[Entry, error]

	// BatchSet atomically stores multiple key-value pairs.
	BatchSet(ctx context.Context, entries []Entry) error

	// BatchDelete atomically removes multiple keys, used to clear a
	// client's whole QoS 2 window in one call.
	BatchDelete(ctx context.Context, keys []Key) error

	// Close releases any resources held by the store.
	Close() error
}

// DefaultSeparator joins encoded key segments when Options is nil or its
// Separator is unset.
const DefaultSeparator byte = ':'

// Options configures key encoding.
type Options struct {
	// Separator is the byte used to join key segments on disk.
	Separator byte
}

func (o *Options) sep() byte {
	if o != nil && o.Separator != 0 {
		return o.Separator
	}
	return DefaultSeparator
}

// encode joins k's segments with the configured separator. It panics if any
// segment contains the separator byte, since that would make the encoding
// ambiguous to decode — a caller building a Key from untrusted input (e.g. a
// client_id) must sanitize it first.
func (o *Options) encode(k Key) []byte {
	s := o.sep()
	n := 0
	for i, seg := range k {
		if strings.IndexByte(seg, s) >= 0 {
			panic(fmt.Sprintf("kv: key segment %q contains separator %q", seg, s))
		}
		if i > 0 {
			n++
		}
		n += len(seg)
	}
	buf := make([]byte, n)
	pos := 0
	for i, seg := range k {
		if i > 0 {
			buf[pos] = s
			pos++
		}
		pos += copy(buf[pos:], seg)
	}
	return buf
}

func (o *Options) decode(b []byte) Key {
	parts := splitBytes(b, o.sep())
	k := make(Key, len(parts))
	for i, p := range parts {
		k[i] = string(p)
	}
	return k
}

// prefixBound returns the byte range a store's prefix iterator should scan
// so that a prefix of Key{"qos2", "dev-1"} matches Key{"qos2", "dev-1", "7"}
// but not Key{"qos2", "dev-10"}. An empty prefix scans everything.
func (o *Options) prefixBound(prefix Key) []byte {
	p := o.encode(prefix)
	if len(p) == 0 {
		return nil
	}
	return append(p, o.sep())
}

func splitBytes(b []byte, sep byte) [][]byte {
	n := 1
	for _, c := range b {
		if c == sep {
			n++
		}
	}
	parts := make([][]byte, 0, n)
	start := 0
	for i, c := range b {
		if c == sep {
			parts = append(parts, b[start:i])
			start = i + 1
		}
	}
	parts = append(parts, b[start:])
	return parts
}

// SessionKey is the Store key for a client's durable Session record.
func SessionKey(clientID string) Key {
	return Key{"session", clientID}
}

// QoS2Key is the Store key for one in-flight (client_id, packet_id) QoS 2
// dedup entry.
func QoS2Key(clientID string, packetID uint16) Key {
	return Key{"qos2", clientID, fmt.Sprintf("%d", packetID)}
}

// QoS2Prefix is the List prefix covering every QoS 2 entry for clientID,
// used to clear its whole idempotency window on session end.
func QoS2Prefix(clientID string) Key {
	return Key{"qos2", clientID}
}

// Package journal implements the Message Persistor: topic-to-shard
// resolution and append-only persistence of published payloads to the
// journal via pkg/storage, returning the offset surfaced back to publishers
// as a PUBACK/PUBREC user property.
package journal

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"io"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/nimbusmq/broker/pkg/metadata"
	"github.com/nimbusmq/broker/pkg/mqttpacket"
	"github.com/nimbusmq/broker/pkg/storage"
)

// ShardLister reports the shards currently available for sticky assignment,
// normally backed by the placement-center client.
type ShardLister interface {
	Shards(ctx context.Context) ([]string, error)
}

// staticShards is the fallback ShardLister used when none is configured,
// suitable for single-node deployments and tests.
type staticShards struct{ names []string }

func (s staticShards) Shards(context.Context) ([]string, error) { return s.names, nil }

// record is the on-disk envelope for one appended message.
type record struct {
	TopicID    string
	Timestamp  int64
	Payload    []byte
	QoS        mqttpacket.QoS
	Properties map[string]string
}

// Persistor resolves topics to shards and appends published payloads to the
// journal's per-shard segment.
type Persistor struct {
	store     storage.SegmentStore
	meta      *metadata.Cache
	shards    ShardLister
	segmentMu sync.Mutex // serializes the read-modify-write append below
}

// New creates a Persistor. A nil shards defaults to a single "shard-0",
// appropriate for a single-node deployment.
func New(store storage.SegmentStore, meta *metadata.Cache, shards ShardLister) *Persistor {
	if shards == nil {
		shards = staticShards{names: []string{"shard-0"}}
	}
	return &Persistor{store: store, meta: meta, shards: shards}
}

// Append resolves topicName to its topic record (creating it on first
// publish, with a hashed sticky shard assignment), appends the payload to
// that shard's journal segment, and returns the offset of the new record
// within the segment.
func (p *Persistor) Append(ctx context.Context, topicName string, qos mqttpacket.QoS, payload []byte, props *mqttpacket.V5Properties) (offset uint64, topicID string, err error) {
	shardName, err := p.assignShard(ctx, topicName)
	if err != nil {
		return 0, "", fmt.Errorf("journal: assign shard: %w", err)
	}

	topic, err := p.meta.UpsertTopic(ctx, topicName, func(t *metadata.Topic) {
		if t.MappedShard == "" {
			t.MappedShard = shardName
		}
	})
	if err != nil {
		return 0, "", fmt.Errorf("journal: resolve topic: %w", err)
	}

	rec := record{
		TopicID:   topic.TopicID,
		Timestamp: time.Now().UnixNano(),
		Payload:   payload,
		QoS:       qos,
	}
	if props != nil {
		rec.Properties = userPropertyMap(props.UserProperties)
	}

	encoded, err := msgpack.Marshal(rec)
	if err != nil {
		return 0, "", fmt.Errorf("journal: encode record: %w", err)
	}

	off, err := p.appendToSegment(ctx, topic.MappedShard, encoded)
	if err != nil {
		return 0, "", err
	}
	return off, topic.TopicID, nil
}

// appendToSegment does a read-modify-write of the whole segment blob, since
// storage.SegmentStore.WriteSegment truncates on open; fine for the
// journal's expected segment sizes and kept simple rather than layering a
// second, append-capable storage abstraction on top.
func (p *Persistor) appendToSegment(ctx context.Context, shardName string, encoded []byte) (offset uint64, err error) {
	p.segmentMu.Lock()
	defer p.segmentMu.Unlock()

	existing, err := p.readSegment(ctx, shardName)
	if err != nil {
		return 0, err
	}
	offset = uint64(len(existing))

	var framed bytes.Buffer
	writeUvarint(&framed, uint64(len(encoded)))
	framed.Write(encoded)

	w, err := p.store.WriteSegment(ctx, shardName)
	if err != nil {
		return 0, fmt.Errorf("journal: open segment: %w", err)
	}
	defer w.Close()

	if _, err := w.Write(existing); err != nil {
		return 0, fmt.Errorf("journal: rewrite segment: %w", err)
	}
	if _, err := w.Write(framed.Bytes()); err != nil {
		return 0, fmt.Errorf("journal: append segment: %w", err)
	}
	return offset, nil
}

func (p *Persistor) readSegment(ctx context.Context, shardName string) ([]byte, error) {
	exists, err := p.store.SegmentExists(ctx, shardName)
	if err != nil {
		return nil, fmt.Errorf("journal: stat segment: %w", err)
	}
	if !exists {
		return nil, nil
	}
	r, err := p.store.ReadSegment(ctx, shardName)
	if err != nil {
		return nil, fmt.Errorf("journal: open segment: %w", err)
	}
	defer r.Close()
	return io.ReadAll(r)
}

// assignShard hashes topicName over the currently reported shard set and
// sticks to the same shard on every call as long as the shard set doesn't
// shrink.
func (p *Persistor) assignShard(ctx context.Context, topicName string) (string, error) {
	shards, err := p.shards.Shards(ctx)
	if err != nil {
		return "", err
	}
	if len(shards) == 0 {
		return "shard-0", nil
	}
	h := fnv.New32a()
	h.Write([]byte(topicName))
	return shards[h.Sum32()%uint32(len(shards))], nil
}

func userPropertyMap(props []mqttpacket.UserProperty) map[string]string {
	if len(props) == 0 {
		return nil
	}
	m := make(map[string]string, len(props))
	for _, up := range props {
		m[up.Key] = up.Value
	}
	return m
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [10]byte
	n := 0
	for v >= 0x80 {
		tmp[n] = byte(v) | 0x80
		v >>= 7
		n++
	}
	tmp[n] = byte(v)
	buf.Write(tmp[:n+1])
}

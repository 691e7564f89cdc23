package journal_test

import (
	"context"
	"testing"

	"github.com/nimbusmq/broker/pkg/journal"
	"github.com/nimbusmq/broker/pkg/metadata"
	"github.com/nimbusmq/broker/pkg/mqttpacket"
	"github.com/nimbusmq/broker/pkg/storage"
)

func newTestPersistor(t *testing.T) *journal.Persistor {
	t.Helper()
	store, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	meta := metadata.New(metadata.Cluster{Name: "test"})
	return journal.New(store, meta, nil)
}

func TestAppendAssignsTopicAndReturnsIncreasingOffsets(t *testing.T) {
	ctx := context.Background()
	p := newTestPersistor(t)

	off1, topicID1, err := p.Append(ctx, "a/b", mqttpacket.AtMostOnce, []byte("first"), nil)
	if err != nil {
		t.Fatalf("Append 1: %v", err)
	}
	off2, topicID2, err := p.Append(ctx, "a/b", mqttpacket.AtMostOnce, []byte("second"), nil)
	if err != nil {
		t.Fatalf("Append 2: %v", err)
	}

	if topicID1 != topicID2 {
		t.Errorf("expected stable topic id across appends, got %q then %q", topicID1, topicID2)
	}
	if off2 <= off1 {
		t.Errorf("expected offset to increase, got %d then %d", off1, off2)
	}
}

func TestAppendToDifferentTopicsSharesDefaultShard(t *testing.T) {
	ctx := context.Background()
	p := newTestPersistor(t)

	offA, _, err := p.Append(ctx, "topic/a", mqttpacket.AtMostOnce, []byte("x"), nil)
	if err != nil {
		t.Fatalf("Append a: %v", err)
	}
	offB, _, err := p.Append(ctx, "topic/b-unlikely-to-share-a-shard-zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz", mqttpacket.AtMostOnce, []byte("y"), nil)
	if err != nil {
		t.Fatalf("Append b: %v", err)
	}

	// With no ShardLister, every topic lands on the single default
	// "shard-0", so the second topic's record follows the first in the same
	// segment.
	if offB <= offA {
		t.Errorf("expected topic b's offset after topic a's in the shared shard, got %d then %d", offA, offB)
	}
}

package storage

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"

	"github.com/nimbusmq/broker/pkg/journalclient"
)

// fakeJournalClient is an in-memory stand-in for journalclient.Client.
type fakeJournalClient struct {
	mu      sync.Mutex
	shards  map[string]bool
	records map[string][]journalclient.Record
}

func newFakeJournalClient() *fakeJournalClient {
	return &fakeJournalClient{
		shards:  make(map[string]bool),
		records: make(map[string][]journalclient.Record),
	}
}

func (f *fakeJournalClient) CreateShard(_ context.Context, shardName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shards[shardName] = true
	return nil
}

func (f *fakeJournalClient) DeleteShard(_ context.Context, shardName string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.shards, shardName)
	delete(f.records, shardName)
	return nil
}

func (f *fakeJournalClient) AppendRecords(_ context.Context, shardName string, records []journalclient.Record) ([]uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.shards[shardName] {
		return nil, errors.New("no such shard")
	}
	offsets := make([]uint64, len(records))
	for i, r := range records {
		offsets[i] = uint64(len(f.records[shardName]))
		f.records[shardName] = append(f.records[shardName], r)
	}
	return offsets, nil
}

func (f *fakeJournalClient) ReadRecords(_ context.Context, shardName string, startOffset uint64, max int) ([]journalclient.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	all := f.records[shardName]
	if int(startOffset) >= len(all) {
		return nil, nil
	}
	end := len(all)
	if max > 0 && int(startOffset)+max < end {
		end = int(startOffset) + max
	}
	out := make([]journalclient.Record, end-int(startOffset))
	copy(out, all[startOffset:end])
	return out, nil
}

func TestRemoteJournalStoreWriteThenReadReturnsLatestSnapshot(t *testing.T) {
	client := newFakeJournalClient()
	store := NewRemoteJournal(client)
	ctx := context.Background()

	w, err := store.WriteSegment(ctx, "shard-0")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w, "first")
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	w2, err := store.WriteSegment(ctx, "shard-0")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w2, "first+second")
	if err := w2.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := store.ReadSegment(ctx, "shard-0")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "first+second" {
		t.Fatalf("expected latest snapshot, got %q", data)
	}
}

func TestRemoteJournalStoreExistsAndDelete(t *testing.T) {
	client := newFakeJournalClient()
	store := NewRemoteJournal(client)
	ctx := context.Background()

	if exists, _ := store.SegmentExists(ctx, "shard-p"); exists {
		t.Fatal("expected shard to not exist before any write")
	}

	w, err := store.WriteSegment(ctx, "shard-p")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w, "data")
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	if exists, err := store.SegmentExists(ctx, "shard-p"); err != nil || !exists {
		t.Fatalf("expected shard to exist after write, exists=%v err=%v", exists, err)
	}

	if err := store.DeleteShard(ctx, "shard-p"); err != nil {
		t.Fatal(err)
	}
	if exists, _ := store.SegmentExists(ctx, "shard-p"); exists {
		t.Fatal("expected shard to not exist after delete")
	}
}

func TestRemoteJournalStoreReadMissingShardIsNotFound(t *testing.T) {
	client := newFakeJournalClient()
	store := NewRemoteJournal(client)
	ctx := context.Background()

	_, err := store.ReadSegment(ctx, "never-written")
	if err == nil {
		t.Fatal("expected an error reading a shard that was never written")
	}
}

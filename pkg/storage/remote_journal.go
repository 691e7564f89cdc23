package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/nimbusmq/broker/pkg/journalclient"
)

// RemoteJournalClient abstracts the journalclient operations RemoteJournalStore
// needs. *journalclient.Client satisfies this.
type RemoteJournalClient interface {
	CreateShard(ctx context.Context, shardName string) error
	DeleteShard(ctx context.Context, shardName string) error
	AppendRecords(ctx context.Context, shardName string, records []journalclient.Record) ([]uint64, error)
	ReadRecords(ctx context.Context, shardName string, startOffset uint64, max int) ([]journalclient.Record, error)
}

// snapshotWindow is the page size RemoteJournalStore reads records in when
// scanning for the latest snapshot of a shard.
const snapshotWindow = 1 << 16

// RemoteJournalStore implements SegmentStore over a standalone journal
// service connection, giving pkg/journal a way to delegate segment storage
// to the external journal tier instead of local disk or S3. Each shardName
// maps directly to one remote shard.
//
// pkg/journal's only write pattern is a full read-modify-write of the whole
// segment (see journal.Persistor.appendToSegment), so WriteSegment snapshots
// the complete blob as a single new appended record and ReadSegment returns
// the payload of the most recently appended record — the remote
// append-only shard behaves like an ordinary segment file from the
// journal's point of view.
type RemoteJournalStore struct {
	client RemoteJournalClient

	mu     sync.Mutex
	shards map[string]bool
}

// NewRemoteJournal creates a RemoteJournalStore over client.
func NewRemoteJournal(client RemoteJournalClient) *RemoteJournalStore {
	return &RemoteJournalStore{client: client, shards: make(map[string]bool)}
}

func (r *RemoteJournalStore) ensureShard(ctx context.Context, shardName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.shards[shardName] {
		return nil
	}
	if err := r.client.CreateShard(ctx, shardName); err != nil {
		return err
	}
	r.shards[shardName] = true
	return nil
}

// ReadSegment returns the payload of shardName's most recently written
// snapshot.
func (r *RemoteJournalStore) ReadSegment(ctx context.Context, shardName string) (io.ReadCloser, error) {
	var latest []byte
	found := false
	for start := uint64(0); ; {
		records, err := r.client.ReadRecords(ctx, shardName, start, snapshotWindow)
		if err != nil {
			return nil, fmt.Errorf("remote journal: read %s: %w", shardName, err)
		}
		if len(records) > 0 {
			latest, found = records[len(records)-1].Payload, true
		}
		if len(records) < snapshotWindow {
			break
		}
		start += uint64(len(records))
	}
	if !found {
		return nil, fmt.Errorf("remote journal: %s: %w", shardName, os.ErrNotExist)
	}
	return io.NopCloser(bytes.NewReader(latest)), nil
}

// WriteSegment returns a writer that, on Close, appends the entire buffered
// blob to shardName as one new record (the shard is created on first
// write).
func (r *RemoteJournalStore) WriteSegment(ctx context.Context, shardName string) (io.WriteCloser, error) {
	if err := r.ensureShard(ctx, shardName); err != nil {
		return nil, fmt.Errorf("remote journal: create shard %s: %w", shardName, err)
	}
	return &remoteJournalWriter{ctx: ctx, store: r, shardName: shardName}, nil
}

// DeleteShard removes shardName entirely.
func (r *RemoteJournalStore) DeleteShard(ctx context.Context, shardName string) error {
	r.mu.Lock()
	delete(r.shards, shardName)
	r.mu.Unlock()
	return r.client.DeleteShard(ctx, shardName)
}

// SegmentExists reports whether shardName has at least one record.
func (r *RemoteJournalStore) SegmentExists(ctx context.Context, shardName string) (bool, error) {
	r.mu.Lock()
	known := r.shards[shardName]
	r.mu.Unlock()
	if known {
		return true, nil
	}
	records, err := r.client.ReadRecords(ctx, shardName, 0, 1)
	if err != nil {
		return false, nil
	}
	return len(records) > 0, nil
}

type remoteJournalWriter struct {
	ctx       context.Context
	store     *RemoteJournalStore
	shardName string
	buf       bytes.Buffer
}

func (w *remoteJournalWriter) Write(p []byte) (int, error) {
	return w.buf.Write(p)
}

func (w *remoteJournalWriter) Close() error {
	_, err := w.store.client.AppendRecords(w.ctx, w.shardName, []journalclient.Record{{Payload: w.buf.Bytes()}})
	if err != nil {
		return fmt.Errorf("remote journal: append %s: %w", w.shardName, err)
	}
	w.store.mu.Lock()
	w.store.shards[w.shardName] = true
	w.store.mu.Unlock()
	return nil
}

var _ SegmentStore = (*RemoteJournalStore)(nil)

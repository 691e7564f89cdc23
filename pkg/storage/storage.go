// Package storage persists the broker's per-shard journal segments. Local
// disk, S3-compatible object storage, and a remote journal-service backend
// (see pkg/journalclient) all implement the same SegmentStore interface, so
// pkg/journal's append/read path doesn't change with the deployment's
// storage tier.
package storage

import (
	"context"
	"io"
)

// SegmentStore persists one append-only segment blob per shard.
//
// Implementations must be safe for concurrent use; pkg/journal.Persistor
// still serializes its own read-modify-write sequence with a mutex, since
// WriteSegment always truncates rather than appending in place.
type SegmentStore interface {
	// ReadSegment opens shardName's segment for reading.
	// If the segment does not exist, an error wrapping os.ErrNotExist is
	// returned.
	ReadSegment(ctx context.Context, shardName string) (io.ReadCloser, error)

	// WriteSegment opens shardName's segment for writing, truncating any
	// existing content. The caller must close the returned WriteCloser to
	// flush data.
	WriteSegment(ctx context.Context, shardName string) (io.WriteCloser, error)

	// DeleteShard removes shardName's segment entirely. Idempotent: deleting
	// a shard with no segment yet returns nil.
	DeleteShard(ctx context.Context, shardName string) error

	// SegmentExists reports whether shardName has a segment yet.
	SegmentExists(ctx context.Context, shardName string) (bool, error)
}

package storage

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Local implements SegmentStore on the local filesystem. Each shard's
// segment lives at <root>/shards/<shardName>/segment.log.
type Local struct {
	root string
}

// NewLocal creates a Local store rooted at dir, creating it (with parents)
// if it does not already exist.
func NewLocal(dir string) (*Local, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, err
	}
	return &Local{root: abs}, nil
}

func (l *Local) segmentPath(shardName string) string {
	// Cleaning shardName as an absolute path drops any leading "..", so the
	// result always stays under <root>/shards.
	return filepath.Join(l.root, "shards", filepath.Clean("/"+shardName), "segment.log")
}

// ReadSegment opens shardName's segment for reading.
func (l *Local) ReadSegment(_ context.Context, shardName string) (io.ReadCloser, error) {
	f, err := os.Open(l.segmentPath(shardName))
	if err != nil {
		return nil, err
	}
	return f, nil
}

// WriteSegment opens shardName's segment for writing, creating the shard's
// directory as needed and truncating any existing segment.
func (l *Local) WriteSegment(_ context.Context, shardName string) (io.WriteCloser, error) {
	full := l.segmentPath(shardName)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return nil, err
	}
	f, err := os.Create(full)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// DeleteShard removes shardName's segment directory entirely. RemoveAll is
// already idempotent for a missing directory.
func (l *Local) DeleteShard(_ context.Context, shardName string) error {
	return os.RemoveAll(filepath.Dir(l.segmentPath(shardName)))
}

// SegmentExists reports whether shardName has a segment on disk.
func (l *Local) SegmentExists(_ context.Context, shardName string) (bool, error) {
	_, err := os.Stat(l.segmentPath(shardName))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	return false, err
}

var _ SegmentStore = (*Local)(nil)

package storage

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newTestLocal(t *testing.T) *Local {
	t.Helper()
	s, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestLocalWriteAndReadSegment(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()

	const data = "record-1record-2"
	w, err := s.WriteSegment(ctx, "shard-0")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(w, data); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	r, err := s.ReadSegment(ctx, "shard-0")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != data {
		t.Fatalf("got %q, want %q", got, data)
	}
}

func TestLocalReadSegmentNotExist(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()

	_, err := s.ReadSegment(ctx, "no-such-shard")
	if err == nil {
		t.Fatal("expected error for missing shard")
	}
	if !os.IsNotExist(err) {
		t.Fatalf("expected os.ErrNotExist, got %v", err)
	}
}

func TestLocalSegmentExists(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()

	ok, err := s.SegmentExists(ctx, "missing")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected false for missing shard")
	}

	w, err := s.WriteSegment(ctx, "present")
	if err != nil {
		t.Fatal(err)
	}
	w.Close()

	ok, err = s.SegmentExists(ctx, "present")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatal("expected true for existing shard")
	}
}

func TestLocalDeleteShardIdempotent(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()

	if err := s.DeleteShard(ctx, "ghost"); err != nil {
		t.Fatal(err)
	}

	w, err := s.WriteSegment(ctx, "tmp-shard")
	if err != nil {
		t.Fatal(err)
	}
	w.Close()

	if err := s.DeleteShard(ctx, "tmp-shard"); err != nil {
		t.Fatal(err)
	}

	ok, err := s.SegmentExists(ctx, "tmp-shard")
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("shard segment should be gone after delete")
	}

	if err := s.DeleteShard(ctx, "tmp-shard"); err != nil {
		t.Fatal(err)
	}
}

func TestLocalWriteSegmentTruncates(t *testing.T) {
	s := newTestLocal(t)
	ctx := context.Background()

	w, err := s.WriteSegment(ctx, "shard-1")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w, "long content here")
	w.Close()

	w, err = s.WriteSegment(ctx, "shard-1")
	if err != nil {
		t.Fatal(err)
	}
	io.WriteString(w, "short")
	w.Close()

	r, err := s.ReadSegment(ctx, "shard-1")
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "short" {
		t.Fatalf("got %q, want %q", got, "short")
	}
}

func TestNewLocalCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "dir")
	s, err := NewLocal(dir)
	if err != nil {
		t.Fatal(err)
	}
	info, err := os.Stat(s.root)
	if err != nil {
		t.Fatal(err)
	}
	if !info.IsDir() {
		t.Fatal("expected directory")
	}
}

func TestLocalWriteSegmentErrorReadOnlyRoot(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocal(dir)
	if err != nil {
		t.Fatal(err)
	}
	os.Chmod(dir, 0o444)
	t.Cleanup(func() { os.Chmod(dir, 0o755) })

	ctx := context.Background()
	_, err = s.WriteSegment(ctx, "shard-x")
	if err == nil {
		t.Fatal("expected error writing to read-only directory")
	}
}

func TestLocalSegmentExistsPermissionError(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocal(dir)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	shardDir := filepath.Join(dir, "shards", "locked")
	os.MkdirAll(shardDir, 0o755)
	os.WriteFile(filepath.Join(shardDir, "segment.log"), []byte("x"), 0o644)
	os.Chmod(shardDir, 0o000)
	t.Cleanup(func() { os.Chmod(shardDir, 0o755) })

	_, err = s.SegmentExists(ctx, "locked")
	if err == nil {
		t.Fatal("expected permission error")
	}
}

func TestLocalSegmentPathTraversal(t *testing.T) {
	s := newTestLocal(t)

	cases := []string{
		"../etc/passwd",
		"a/../../etc/passwd",
		"../../../../../../../etc/passwd",
		"..\\etc\\passwd",
	}
	for _, tc := range cases {
		resolved := s.segmentPath(tc)
		if !strings.HasPrefix(resolved, s.root) {
			t.Errorf("segmentPath(%q) = %q, escapes root %q", tc, resolved, s.root)
		}
	}
}

var _ SegmentStore = (*Local)(nil)

package idempotent_test

import (
	"context"
	"testing"

	"github.com/nimbusmq/broker/pkg/idempotent"
	"github.com/nimbusmq/broker/pkg/kv"
)

func newTestStore(t *testing.T) idempotent.Store {
	t.Helper()
	mem := kv.NewMemory(nil)
	t.Cleanup(func() { mem.Close() })
	return idempotent.New(mem)
}

func TestInsertHasDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	has, err := s.Has(ctx, "c1", 7)
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if has {
		t.Fatalf("expected no entry before insert")
	}

	if err := s.Insert(ctx, "c1", 7); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	has, err = s.Has(ctx, "c1", 7)
	if err != nil || !has {
		t.Fatalf("expected entry present after insert, has=%v err=%v", has, err)
	}

	if err := s.Delete(ctx, "c1", 7); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	has, err = s.Has(ctx, "c1", 7)
	if err != nil || has {
		t.Fatalf("expected entry gone after delete, has=%v err=%v", has, err)
	}
}

func TestDeleteSessionClearsOnlyThatClient(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	s.Insert(ctx, "c1", 1)
	s.Insert(ctx, "c1", 2)
	s.Insert(ctx, "c2", 1)

	if err := s.DeleteSession(ctx, "c1"); err != nil {
		t.Fatalf("DeleteSession: %v", err)
	}

	for _, pid := range []uint16{1, 2} {
		if has, _ := s.Has(ctx, "c1", pid); has {
			t.Errorf("expected c1/%d gone", pid)
		}
	}
	if has, _ := s.Has(ctx, "c2", 1); !has {
		t.Errorf("expected c2/1 to survive the other client's session end")
	}
}

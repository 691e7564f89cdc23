package kv_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/nimbusmq/broker/pkg/kv"
)

func newTestStore(t *testing.T, opts *kv.Options) kv.Store {
	t.Helper()
	s := kv.NewMemory(opts)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSessionGetSetDelete(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	key := kv.SessionKey("device-42")
	val := []byte("encoded-session")

	if _, err := s.Get(ctx, key); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.Set(ctx, key, val); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(val) {
		t.Fatalf("Get = %q, want %q", got, val)
	}

	val2 := []byte("encoded-session-v2")
	if err := s.Set(ctx, key, val2); err != nil {
		t.Fatalf("Set overwrite: %v", err)
	}
	got, err = s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get after overwrite: %v", err)
	}
	if string(got) != string(val2) {
		t.Fatalf("Get = %q, want %q", got, val2)
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(ctx, key); !errors.Is(err, kv.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	if err := s.Delete(ctx, kv.SessionKey("never-connected")); err != nil {
		t.Fatalf("Delete non-existent: %v", err)
	}
}

func TestQoS2WindowList(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	entries := []kv.Entry{
		{Key: kv.QoS2Key("device-1", 1), Value: []byte{1}},
		{Key: kv.QoS2Key("device-1", 2), Value: []byte{1}},
		{Key: kv.QoS2Key("device-10", 1), Value: []byte{1}},
		{Key: kv.QoS2Key("device-2", 1), Value: []byte{1}},
		{Key: kv.SessionKey("device-1"), Value: []byte("sess")},
	}
	if err := s.BatchSet(ctx, entries); err != nil {
		t.Fatalf("BatchSet: %v", err)
	}

	// Prefix "qos2:device-1" must not also match "qos2:device-10:1".
	var got []string
	for entry, err := range s.List(ctx, kv.QoS2Prefix("device-1")) {
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		got = append(got, entry.Key.String())
	}
	want := []string{"qos2:device-1:1", "qos2:device-1:2"}
	if !slices.Equal(got, want) {
		t.Fatalf("List qos2:device-1 = %v, want %v", got, want)
	}

	got = nil
	for entry, err := range s.List(ctx, kv.Key{"qos2"}) {
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		got = append(got, entry.Key.String())
	}
	if len(got) != 4 {
		t.Fatalf("List qos2: got %d entries, want 4: %v", len(got), got)
	}

	got = nil
	for entry, err := range s.List(ctx, nil) {
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		got = append(got, entry.Key.String())
	}
	if len(got) != 5 {
		t.Fatalf("List all: got %d entries, want 5: %v", len(got), got)
	}
}

func TestQoS2BatchDeleteOnSessionEnd(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	entries := []kv.Entry{
		{Key: kv.QoS2Key("device-1", 1), Value: []byte{1}},
		{Key: kv.QoS2Key("device-1", 2), Value: []byte{1}},
		{Key: kv.QoS2Key("device-1", 3), Value: []byte{1}},
	}
	if err := s.BatchSet(ctx, entries); err != nil {
		t.Fatalf("BatchSet: %v", err)
	}

	var toDelete []kv.Key
	for entry, err := range s.List(ctx, kv.QoS2Prefix("device-1")) {
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		toDelete = append(toDelete, entry.Key)
	}
	if len(toDelete) != 3 {
		t.Fatalf("got %d keys to delete, want 3", len(toDelete))
	}
	if err := s.BatchDelete(ctx, toDelete); err != nil {
		t.Fatalf("BatchDelete: %v", err)
	}

	for i := uint16(1); i <= 3; i++ {
		if _, err := s.Get(ctx, kv.QoS2Key("device-1", i)); !errors.Is(err, kv.ErrNotFound) {
			t.Fatalf("packet %d: expected ErrNotFound, got %v", i, err)
		}
	}
}

func TestCustomSeparator(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, &kv.Options{Separator: '/'})

	key := kv.QoS2Key("device-1", 7)
	val := []byte{1}

	if err := s.Set(ctx, key, val); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != string(val) {
		t.Fatalf("Get = %q, want %q", got, val)
	}

	var keys []string
	for entry, err := range s.List(ctx, kv.QoS2Prefix("device-1")) {
		if err != nil {
			t.Fatalf("List: %v", err)
		}
		keys = append(keys, entry.Key.String())
	}
	if len(keys) != 1 || keys[0] != "qos2:device-1:7" {
		t.Fatalf("List = %v, want [qos2:device-1:7]", keys)
	}
}

func TestValueIsolation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	key := kv.SessionKey("device-1")
	original := []byte("original")

	if err := s.Set(ctx, key, original); err != nil {
		t.Fatalf("Set: %v", err)
	}

	original[0] = 'X'

	got, err := s.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got[0] != 'o' {
		t.Fatal("store value was mutated via original slice")
	}

	got[0] = 'Y'
	got2, _ := s.Get(ctx, key)
	if got2[0] != 'o' {
		t.Fatal("store value was mutated via returned slice")
	}
}

func TestKeySegmentContainingSeparatorPanics(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("expected panic for key segment containing separator")
		}
		msg, ok := r.(string)
		if !ok || !strings.Contains(msg, "contains separator") {
			t.Fatalf("unexpected panic: %v", r)
		}
	}()

	_ = s.Set(ctx, kv.Key{"qos2:device-1", "1"}, []byte{1})
}

func mustKey(clientID string, packetID uint16) kv.Key {
	return kv.Key{"qos2", clientID, fmt.Sprintf("%d", packetID)}
}

func TestQoS2KeyMatchesManualConstruction(t *testing.T) {
	if got, want := kv.QoS2Key("device-9", 42).String(), mustKey("device-9", 42).String(); got != want {
		t.Fatalf("QoS2Key = %q, want %q", got, want)
	}
}

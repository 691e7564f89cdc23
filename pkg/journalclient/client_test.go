package journalclient

import (
	"bytes"
	"testing"
)

func TestDecodeRecordsSkipsMalformedEntries(t *testing.T) {
	raw := []any{
		map[string]any{"topic_id": "t1", "timestamp": float64(1000), "payload": "hello"},
		"not a record",
		map[string]any{"topic_id": "t2"},
	}

	got := decodeRecords(raw)
	if len(got) != 2 {
		t.Fatalf("expected 2 decoded records, got %d: %+v", len(got), got)
	}
	if got[0].TopicID != "t1" || got[0].Timestamp != 1000 || !bytes.Equal(got[0].Payload, []byte("hello")) {
		t.Errorf("unexpected first record: %+v", got[0])
	}
	if got[1].TopicID != "t2" || got[1].Timestamp != 0 || got[1].Payload != nil {
		t.Errorf("unexpected second record: %+v", got[1])
	}
}

func TestDecodeRecordsEmpty(t *testing.T) {
	if got := decodeRecords(nil); len(got) != 0 {
		t.Errorf("expected no records, got %+v", got)
	}
}

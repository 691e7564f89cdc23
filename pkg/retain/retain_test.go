package retain_test

import (
	"strings"
	"testing"

	"github.com/nimbusmq/broker/pkg/retain"
)

func TestPutThenGet(t *testing.T) {
	s := retain.New()
	s.Put(retain.Message{Topic: "t/1", Payload: []byte("x")})

	got, ok := s.Get("t/1")
	if !ok || string(got.Payload) != "x" {
		t.Fatalf("expected retained message, got %+v ok=%v", got, ok)
	}
}

func TestEmptyPayloadClears(t *testing.T) {
	s := retain.New()
	s.Put(retain.Message{Topic: "t/1", Payload: []byte("x")})
	s.Put(retain.Message{Topic: "t/1", Payload: nil})

	if _, ok := s.Get("t/1"); ok {
		t.Fatalf("expected retained message to be cleared by empty payload")
	}
}

func TestMatchAllFiltersByTopic(t *testing.T) {
	s := retain.New()
	s.Put(retain.Message{Topic: "a/1", Payload: []byte("1")})
	s.Put(retain.Message{Topic: "a/2", Payload: []byte("2")})
	s.Put(retain.Message{Topic: "b/1", Payload: []byte("3")})

	got := s.MatchAll(func(topic string) bool { return strings.HasPrefix(topic, "a/") })
	if len(got) != 2 {
		t.Fatalf("expected 2 matches under a/, got %d", len(got))
	}
}

func TestNonExistentTopicMissesCleanly(t *testing.T) {
	s := retain.New()
	if _, ok := s.Get("nope"); ok {
		t.Fatalf("expected no retained message for unknown topic")
	}
}

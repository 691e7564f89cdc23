package placementclient

import "testing"

func TestStringListExtractsStringsAndSkipsOthers(t *testing.T) {
	got := stringList([]any{"a", "b", 3, "c"})
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("index %d: expected %q, got %q", i, want[i], got[i])
		}
	}
}

func TestStringListNilForWrongType(t *testing.T) {
	if got := stringList("not a list"); got != nil {
		t.Errorf("expected nil, got %v", got)
	}
}

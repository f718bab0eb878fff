package identifier

import (
	"sort"
	"testing"
	"time"
)

func TestAscendingSortsInCreationOrder(t *testing.T) {
	ids := make([]string, 200)
	for i := range ids {
		ids[i] = Ascending(Part)
	}
	if !sort.StringsAreSorted(ids) {
		t.Fatal("ascending ids are not sorted")
	}
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
	}
}

func TestTimestampRoundTrip(t *testing.T) {
	before := time.Now().Add(-time.Millisecond)
	id := Ascending(ToolOutput)
	after := time.Now().Add(time.Millisecond)

	ts, err := Timestamp(id)
	if err != nil {
		t.Fatalf("Timestamp() error = %v", err)
	}
	if ts.Before(before) || ts.After(after) {
		t.Fatalf("timestamp %v not within [%v, %v]", ts, before, after)
	}
	if !HasPrefix(id, ToolOutput) {
		t.Fatalf("id %s missing prefix", id)
	}
}

func TestTimestampMalformed(t *testing.T) {
	for _, id := range []string{"", "tool", "tool_zz", "tool_zzzzzzzzzzzzzz"} {
		if _, err := Timestamp(id); err == nil {
			t.Errorf("Timestamp(%q) expected error", id)
		}
	}
}

func TestDescendingSortsBackwards(t *testing.T) {
	first := Descending(Session)
	second := Descending(Session)
	if !(second < first) {
		t.Fatalf("expected %s < %s", second, first)
	}
}

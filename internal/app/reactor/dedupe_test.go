package reactor

import (
	"strconv"
	"testing"
	"time"
)

func TestSeenSetEnforcesCapacity(t *testing.T) {
	const capacity = 16
	seen := newSeenSet(time.Hour, capacity)
	now := time.Unix(1_700_000_000, 0)
	for i := range 10 * capacity {
		if !seen.mark(strconv.Itoa(i), now.Add(time.Duration(i)*time.Millisecond)) {
			t.Fatalf("id %d reported as duplicate", i)
		}
		if seen.len() > capacity {
			t.Fatalf("holding %d ids, capacity %d", seen.len(), capacity)
		}
	}
	if len(seen.order)-seen.head != seen.len() {
		t.Fatalf("order holds %d live entries for %d ids", len(seen.order)-seen.head, seen.len())
	}

	later := now.Add(time.Second)
	if seen.mark(strconv.Itoa(10*capacity-1), later) {
		t.Fatalf("newest id should still be suppressed")
	}
	if !seen.mark("0", later) {
		t.Fatalf("evicted id should be accepted again")
	}
}

func TestSeenSetExpiresAfterWindow(t *testing.T) {
	seen := newSeenSet(time.Minute, 8)
	now := time.Unix(1_700_000_000, 0)
	if !seen.mark("a", now) {
		t.Fatalf("first mark rejected")
	}
	if seen.mark("a", now.Add(59*time.Second)) {
		t.Fatalf("repeat inside window accepted")
	}
	if !seen.mark("a", now.Add(time.Minute)) {
		t.Fatalf("repeat after window rejected")
	}
	if seen.len() != 1 {
		t.Fatalf("expected one live id, got %d", seen.len())
	}
}

func TestSeenSetIgnoresEmptyID(t *testing.T) {
	seen := newSeenSet(time.Minute, 8)
	now := time.Now()
	for range 3 {
		if !seen.mark("", now) {
			t.Fatalf("empty id suppressed")
		}
	}
	if seen.len() != 0 {
		t.Fatalf("empty id stored")
	}
}

package disco

import (
	"testing"

	"github.com/google/uuid"
)

func TestFetchEngineScheduleRejectsDuplicate(t *testing.T) {
	f := newFetchEngine()
	key, keyID := "k", uuid.New()
	target := NodeAddress{{Host: "1.2.3.4", Port: 1}}

	if ok := f.schedule(key, keyID, target, 0, 60000); !ok {
		t.Fatal("first schedule should succeed")
	}
	if ok := f.schedule(key, keyID, target, 0, 60000); ok {
		t.Fatal("scheduling a fetch already outstanding should be rejected")
	}
}

func TestFetchEngineResolveClearsEntry(t *testing.T) {
	f := newFetchEngine()
	key, keyID := "k", uuid.New()
	f.schedule(key, keyID, nil, 0, 60000)

	f.resolve(key, keyID)
	if _, ok := f.get(key, keyID); ok {
		t.Fatal("resolve should remove the fetch entry")
	}
	if _, ok := f.fetches[key]; ok {
		t.Fatal("resolve should prune the now-empty per-key map")
	}
}

func TestFetchEngineRescheduleBacksOff(t *testing.T) {
	f := newFetchEngine()
	key, keyID := "k", uuid.New()
	target := NodeAddress{{Host: "1.2.3.4", Port: 1}}
	f.schedule(key, keyID, target, 0, 1000)

	wantDelays := []int{2, 4, 8, 16, 16, 16}
	for _, want := range wantDelays {
		f.reschedule(key, keyID, target, 0, 1000)
		e, ok := f.get(key, keyID)
		if !ok {
			t.Fatal("entry should still exist after reschedule")
		}
		if e.delay != want {
			t.Fatalf("delay = %d, want %d", e.delay, want)
		}
	}
}

func TestFetchEngineRescheduleRebindsTarget(t *testing.T) {
	f := newFetchEngine()
	key, keyID := "k", uuid.New()
	f.schedule(key, keyID, NodeAddress{{Host: "1.1.1.1", Port: 1}}, 0, 1000)

	newTarget := NodeAddress{{Host: "2.2.2.2", Port: 2}}
	f.reschedule(key, keyID, newTarget, 0, 1000)

	e, _ := f.get(key, keyID)
	if !e.target.equal(newTarget) {
		t.Fatalf("reschedule should rebind target: got %v, want %v", e.target, newTarget)
	}
}

func TestFetchEnginePopExpiredOrdering(t *testing.T) {
	f := newFetchEngine()
	k1, k2 := uuid.New(), uuid.New()
	f.schedule("a", k1, nil, 0, 100)
	f.schedule("b", k2, nil, 50, 100)

	due := f.popExpired(100)
	if len(due) != 1 {
		t.Fatalf("expected 1 due entry at t=100, got %d", len(due))
	}
	if due[0].key != "a" {
		t.Fatalf("expected entry 'a' (expires at 100) due first, got %q", due[0].key)
	}

	due = f.popExpired(150)
	if len(due) != 1 || due[0].key != "b" {
		t.Fatalf("expected entry 'b' (expires at 150) due next, got %v", due)
	}

	if due := f.popExpired(150); len(due) != 0 {
		t.Fatalf("expected no further due entries, got %v", due)
	}
}

package disco

import (
	"testing"

	"github.com/google/uuid"
)

func TestWatchDispatcherRejectsDuplicateHandle(t *testing.T) {
	d := newWatchDispatcher()
	if ok := d.add("k", 1, nil, nil); !ok {
		t.Fatal("first add should succeed")
	}
	if ok := d.add("k", 1, nil, nil); ok {
		t.Fatal("duplicate handle for the same key should be rejected")
	}
}

func TestWatchDispatcherArrivalDedup(t *testing.T) {
	d := newWatchDispatcher()
	var calls int
	d.add("k", 1, func(uuid.UUID, []byte) { calls++ }, nil)

	id := uuid.New()
	d.dispatchArrival("k", id, []byte("payload"))
	d.dispatchArrival("k", id, []byte("payload"))

	if calls != 1 {
		t.Fatalf("onArrive should fire exactly once per (watch, keyId): got %d calls", calls)
	}
}

func TestWatchDispatcherLossOnlyAfterDelivery(t *testing.T) {
	d := newWatchDispatcher()
	var lossCalls int
	d.add("k", 1, func(uuid.UUID, []byte) {}, func(uuid.UUID) { lossCalls++ })

	id := uuid.New()
	d.dispatchLoss("k", id)
	if lossCalls != 0 {
		t.Fatal("loss should not fire for a keyId that was never delivered")
	}

	d.dispatchArrival("k", id, []byte("x"))
	d.dispatchLoss("k", id)
	if lossCalls != 1 {
		t.Fatalf("loss should fire once after a prior delivery: got %d calls", lossCalls)
	}

	d.dispatchLoss("k", id)
	if lossCalls != 1 {
		t.Fatal("loss should not re-fire once already dispatched")
	}
}

func TestWatchDispatcherRemove(t *testing.T) {
	d := newWatchDispatcher()
	d.add("k", 1, nil, nil)
	d.add("k", 2, nil, nil)

	if empty := d.remove("k", 1); empty {
		t.Fatal("removing one of two watches should not report empty")
	}
	if empty := d.remove("k", 2); !empty {
		t.Fatal("removing the last watch should report empty")
	}
	if d.has("k") {
		t.Fatal("key should have no watches left")
	}
}

func TestSafeCallIsolatesPanic(t *testing.T) {
	var ran bool
	func() {
		defer func() {
			if r := recover(); r != nil {
				t.Fatal("safeCall should not let a panic escape")
			}
		}()
		safeCall(func() { panic("boom") })
		ran = true
	}()
	if !ran {
		t.Fatal("execution should continue past a recovered panic")
	}
}

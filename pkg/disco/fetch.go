package disco

import "github.com/google/uuid"

// fetchEntry records one outstanding (key, keyId) resolution attempt:
// the address we last asked (the owning node's advertised NodeAddress,
// taken straight from the item in keys[key]), and the current back-off
// delay in ticks.
type fetchEntry struct {
	target NodeAddress
	delay  int
}

// fetchExpEntry is a FIFO entry marking when a fetch attempt should be
// retried or abandoned if no Data has arrived.
type fetchExpEntry struct {
	key      string
	keyID    uuid.UUID
	expireAt int64 // ms
}

// fetchEngine tracks in-flight key->payload resolutions, one entry per
// (key, keyId), each backing off exponentially between retries so a
// slow or unreachable owner doesn't get hammered with Fetch frames.
type fetchEngine struct {
	fetches map[string]map[uuid.UUID]*fetchEntry
	expQueue []fetchExpEntry
}

func newFetchEngine() *fetchEngine {
	return &fetchEngine{fetches: make(map[string]map[uuid.UUID]*fetchEntry)}
}

func (f *fetchEngine) get(key string, keyID uuid.UUID) (*fetchEntry, bool) {
	byID, ok := f.fetches[key]
	if !ok {
		return nil, false
	}
	e, ok := byID[keyID]
	return e, ok
}

// schedule records a new fetch attempt at delay=1 tick and enqueues its
// expiration. Returns false if a fetch for (key, keyId) is already
// outstanding.
func (f *fetchEngine) schedule(key string, keyID uuid.UUID, target NodeAddress, nowMs int64, periodMs int64) bool {
	if _, ok := f.get(key, keyID); ok {
		return false
	}
	byID, ok := f.fetches[key]
	if !ok {
		byID = make(map[uuid.UUID]*fetchEntry)
		f.fetches[key] = byID
	}
	byID[keyID] = &fetchEntry{target: target, delay: 1}
	f.expQueue = append(f.expQueue, fetchExpEntry{key: key, keyID: keyID, expireAt: nowMs + periodMs})
	return true
}

// resolve drops the fetch entry for (key, keyId) on Data arrival or
// abandonment.
func (f *fetchEngine) resolve(key string, keyID uuid.UUID) {
	byID, ok := f.fetches[key]
	if !ok {
		return
	}
	delete(byID, keyID)
	if len(byID) == 0 {
		delete(f.fetches, key)
	}
}

// reschedule doubles the back-off delay (capped), rebinds the fetch to
// target, and re-enqueues its expiration.
func (f *fetchEngine) reschedule(key string, keyID uuid.UUID, target NodeAddress, nowMs int64, periodMs int64) {
	e, ok := f.get(key, keyID)
	if !ok {
		return
	}
	e.target = target
	e.delay = nextFetchBackoff(e.delay)
	f.expQueue = append(f.expQueue, fetchExpEntry{
		key:      key,
		keyID:    keyID,
		expireAt: nowMs + int64(e.delay)*periodMs,
	})
}

// popExpired removes and returns every queue entry due at or before
// nowMs. Entries whose fetch was already resolved are still popped (so
// the queue doesn't grow unbounded) but the caller should check get()
// before acting on one.
func (f *fetchEngine) popExpired(nowMs int64) []fetchExpEntry {
	var due []fetchExpEntry
	kept := f.expQueue[:0]
	for _, e := range f.expQueue {
		if e.expireAt <= nowMs {
			due = append(due, e)
		} else {
			kept = append(kept, e)
		}
	}
	f.expQueue = kept
	return due
}

package disco

import "github.com/google/uuid"

// WatchCallback is invoked on arrival of a new keyId for a watched key.
type WatchCallback func(keyID uuid.UUID, payload []byte)

// LossCallback is invoked when a previously delivered keyId expires.
type LossCallback func(keyID uuid.UUID)

type watch struct {
	handle   uint64
	onArrive WatchCallback
	onLose   LossCallback
	// delivered tracks which keyIds this watch has already seen, so the
	// dispatcher never delivers the same (watch, keyId) pair twice.
	delivered map[uuid.UUID]bool
}

// watchDispatcher routes key arrival/loss notifications to the watches
// registered against each key, deduplicating per (watch, keyId).
type watchDispatcher struct {
	byKey map[string]map[uint64]*watch
}

func newWatchDispatcher() *watchDispatcher {
	return &watchDispatcher{byKey: make(map[string]map[uint64]*watch)}
}

// add registers a watch for key. Duplicate handles for the same key are
// rejected — a handle identifies one logical watcher, and re-adding it
// would silently replace its callbacks without the caller noticing.
func (d *watchDispatcher) add(key string, handle uint64, onArrive WatchCallback, onLose LossCallback) bool {
	watches, ok := d.byKey[key]
	if !ok {
		watches = make(map[uint64]*watch)
		d.byKey[key] = watches
	}
	if _, exists := watches[handle]; exists {
		return false
	}
	watches[handle] = &watch{
		handle:    handle,
		onArrive:  onArrive,
		onLose:    onLose,
		delivered: make(map[uuid.UUID]bool),
	}
	return true
}

// remove unregisters a watch. Returns true if the key's watch set is now
// empty, so the caller can decide whether to prune keys[key].
func (d *watchDispatcher) remove(key string, handle uint64) (empty bool) {
	watches, ok := d.byKey[key]
	if !ok {
		return true
	}
	delete(watches, handle)
	if len(watches) == 0 {
		delete(d.byKey, key)
		return true
	}
	return false
}

func (d *watchDispatcher) has(key string) bool {
	watches, ok := d.byKey[key]
	return ok && len(watches) > 0
}

// dispatchArrival delivers (keyID, payload) to every watch on key that
// hasn't already seen keyID.
func (d *watchDispatcher) dispatchArrival(key string, keyID uuid.UUID, payload []byte) {
	for _, w := range d.byKey[key] {
		if w.delivered[keyID] {
			continue
		}
		w.delivered[keyID] = true
		if w.onArrive != nil {
			safeCall(func() { w.onArrive(keyID, payload) })
		}
	}
}

// dispatchLoss notifies every watch on key that previously received
// keyID that it has now expired.
func (d *watchDispatcher) dispatchLoss(key string, keyID uuid.UUID) {
	for _, w := range d.byKey[key] {
		if !w.delivered[keyID] {
			continue
		}
		delete(w.delivered, keyID)
		if w.onLose != nil {
			safeCall(func() { w.onLose(keyID) })
		}
	}
}

// safeCall isolates a watch callback's panic so a single misbehaving
// callback can't take down the driver goroutine or block delivery to
// the other watches on the same key.
func safeCall(f func()) {
	defer func() {
		if r := recover(); r != nil {
			lg.Errorf("watch callback panicked: %v", r)
		}
	}()
	f()
}

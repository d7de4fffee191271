package disco

import (
	"sort"

	"github.com/google/uuid"
)

// Item is a (id, addrs, expiration) record: a known node, or one
// advertised instance of a key. expiration is an absolute wall-clock
// millisecond deadline.
type Item struct {
	ID         uuid.UUID
	Addrs      NodeAddress
	Expiration int64
}

// itemSet is a set keyed by ID, ordered by ID for deterministic
// iteration. Backed by a map for O(1) lookup; ordering is produced on
// demand by list/expire's sort rather than kept as an invariant of the
// underlying structure.
type itemSet struct {
	byID map[uuid.UUID]*Item
}

func newItemSet() *itemSet {
	return &itemSet{byID: make(map[uuid.UUID]*Item)}
}

// merge inserts or refreshes an item. The stored expiration becomes
// max(old, new) — a refresh must never shorten an item's remaining
// lifetime; addrs is always replaced with the incoming value. Returns
// true if this is a newly seen ID.
func (s *itemSet) merge(id uuid.UUID, addrs NodeAddress, expiration int64) bool {
	if existing, ok := s.byID[id]; ok {
		if expiration > existing.Expiration {
			existing.Expiration = expiration
		}
		existing.Addrs = addrs
		return false
	}
	s.byID[id] = &Item{ID: id, Addrs: addrs, Expiration: expiration}
	return true
}

func (s *itemSet) get(id uuid.UUID) (*Item, bool) {
	it, ok := s.byID[id]
	return it, ok
}

func (s *itemSet) remove(id uuid.UUID) {
	delete(s.byID, id)
}

// forceExpire lowers an existing item's expiration to nowMs, bypassing
// the monotone-max rule in merge. This is the one deliberate exception to
// that rule: a retracted key is advertised with TTL 0 specifically so
// peers expire it on their next sweep rather than waiting out its
// original TTL.
func (s *itemSet) forceExpire(id uuid.UUID, nowMs int64) {
	if it, ok := s.byID[id]; ok && it.Expiration > nowMs {
		it.Expiration = nowMs
	}
}

func (s *itemSet) len() int {
	return len(s.byID)
}

// expire removes every item whose expiration is at or before now and
// returns their IDs, so the caller can drive lost notifications.
func (s *itemSet) expire(nowMs int64) []uuid.UUID {
	var removed []uuid.UUID
	for id, it := range s.byID {
		if it.Expiration <= nowMs {
			removed = append(removed, id)
			delete(s.byID, id)
		}
	}
	sort.Slice(removed, func(i, j int) bool {
		return removed[i].String() < removed[j].String()
	})
	return removed
}

// list returns every item, ordered by ID.
func (s *itemSet) list() []*Item {
	out := make([]*Item, 0, len(s.byID))
	for _, it := range s.byID {
		out = append(out, it)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// randomNotIn returns one item whose ID is not in the exclude set, or nil
// if every item is excluded. Used by the mesh manager to pick a dial
// target that isn't already connected.
func (s *itemSet) randomNotIn(exclude map[uuid.UUID]bool) *Item {
	candidates := make([]*Item, 0, len(s.byID))
	for id, it := range s.byID {
		if !exclude[id] {
			candidates = append(candidates, it)
		}
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].ID.String() < candidates[j].ID.String()
	})
	return candidates[randIntn(len(candidates))]
}

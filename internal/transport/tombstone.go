package transport

import (
	"github.com/emirpasic/gods/maps/linkedhashmap"
)

// tombstoneCapacity bounds how many ended sessions a link remembers.
const tombstoneCapacity = 64

// tombstones remembers sessions the link already tore down, with the last
// package index delivered for each, so a late retransmission can neither
// rebind the link nor be delivered again. The oldest entry is evicted once
// the set is full. Not safe for concurrent use; Link guards it with mu.
type tombstones struct {
	m   *linkedhashmap.Map // session id -> last delivered index, oldest first
	max int
}

func newTombstones(max int) *tombstones {
	return &tombstones{m: linkedhashmap.New(), max: max}
}

// bury records sessionID as ended. An existing entry keeps the higher
// index and its place in the eviction order.
func (t *tombstones) bury(sessionID, lastIndex uint32) {
	if v, ok := t.m.Get(sessionID); ok {
		if prev := v.(uint32); prev > lastIndex {
			lastIndex = prev
		}
	}
	t.m.Put(sessionID, lastIndex)

	for t.m.Size() > t.max {
		it := t.m.Iterator()
		if !it.First() {
			return
		}
		t.m.Remove(it.Key())
	}
}

// lookup returns the last delivered index of an ended session.
func (t *tombstones) lookup(sessionID uint32) (uint32, bool) {
	v, ok := t.m.Get(sessionID)
	if !ok {
		return 0, false
	}
	return v.(uint32), true
}

// revive forgets sessionID, letting the id bind again.
func (t *tombstones) revive(sessionID uint32) {
	t.m.Remove(sessionID)
}

func (t *tombstones) len() int {
	return t.m.Size()
}

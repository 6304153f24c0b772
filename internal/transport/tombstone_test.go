package transport

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTombstonesKeepHighestIndex(t *testing.T) {
	ts := newTombstones(4)

	ts.bury(7, 3)
	ts.bury(7, 0)
	last, ok := ts.lookup(7)
	assert.True(t, ok)
	assert.Equal(t, uint32(3), last)

	_, ok = ts.lookup(8)
	assert.False(t, ok)
}

func TestTombstonesEvictOldest(t *testing.T) {
	ts := newTombstones(3)
	for id := uint32(1); id <= 5; id++ {
		ts.bury(id, id)
	}

	assert.Equal(t, 3, ts.len())
	for _, id := range []uint32{1, 2} {
		_, ok := ts.lookup(id)
		assert.False(t, ok, "session %d should be evicted", id)
	}
	for _, id := range []uint32{3, 4, 5} {
		last, ok := ts.lookup(id)
		assert.True(t, ok)
		assert.Equal(t, id, last)
	}
}

func TestTombstonesRevive(t *testing.T) {
	ts := newTombstones(tombstoneCapacity)
	ts.bury(7, 1)
	ts.revive(7)

	_, ok := ts.lookup(7)
	assert.False(t, ok)
	assert.Zero(t, ts.len())
}

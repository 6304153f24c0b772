package transport

import "sync/atomic"

// SeqGen is a per-session package index generator.
// Send may run on any goroutine, so all operations are atomic.
type SeqGen struct {
	val atomic.Uint32
}

// NewSeqGen creates a new generator. The first call to Next() returns 1;
// index 0 is reserved for control packets that acknowledge nothing.
func NewSeqGen() *SeqGen {
	return &SeqGen{}
}

// Next returns the next package index (monotonically increasing from 1).
func (s *SeqGen) Next() uint32 {
	return s.val.Add(1)
}

// Last returns the most recently issued index, 0 if none.
func (s *SeqGen) Last() uint32 {
	return s.val.Load()
}

package transport

import (
	"sync"

	"github.com/1ureka/uartlink/internal/protocol"
)

// Fragmenter splits outbound session buffers into wire packets no larger
// than protocol.MaxPacketSize and numbers them per session.
type Fragmenter struct {
	chunk int

	mu   sync.Mutex
	seqs map[uint32]*SeqGen
}

// NewFragmenter creates a fragmenter using protocol.MaxChunkSize chunks.
func NewFragmenter() *Fragmenter {
	return &Fragmenter{
		chunk: protocol.MaxChunkSize,
		seqs:  make(map[uint32]*SeqGen),
	}
}

// Split cuts data into ordered packets for sessionID. Every packet gets the
// next package index of that session; only the last one carries TAIL.
// An empty buffer still produces exactly one (empty, TAIL) packet.
func (f *Fragmenter) Split(sessionID uint32, data []byte) []*protocol.Packet {
	seq := f.seqFor(sessionID)

	count := (len(data) + f.chunk - 1) / f.chunk
	if count == 0 {
		count = 1
	}

	pkts := make([]*protocol.Packet, 0, count)
	for i := 0; i < count; i++ {
		start := i * f.chunk
		end := min(start+f.chunk, len(data))

		payload := make([]byte, end-start)
		copy(payload, data[start:end])

		var opt protocol.Option
		if i == count-1 {
			opt = protocol.OptTail
		}
		pkts = append(pkts, &protocol.Packet{
			Header: protocol.Header{
				Flag:         protocol.Magic,
				SessionID:    sessionID,
				DataSize:     uint32(len(payload)),
				PackageIndex: seq.Next(),
				Option:       opt,
			},
			Payload: payload,
		})
	}
	return pkts
}

// Forget drops the index generator of a torn down session.
func (f *Fragmenter) Forget(sessionID uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.seqs, sessionID)
}

func (f *Fragmenter) seqFor(sessionID uint32) *SeqGen {
	f.mu.Lock()
	defer f.mu.Unlock()
	seq, ok := f.seqs[sessionID]
	if !ok {
		seq = NewSeqGen()
		f.seqs[sessionID] = seq
	}
	return seq
}

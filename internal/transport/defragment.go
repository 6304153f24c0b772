package transport

import (
	"bytes"

	"github.com/1ureka/uartlink/internal/protocol"
)

// Defragmenter rebuilds wire packets from a byte stream that arrives in
// arbitrary increments. It is owned by a single reader goroutine and needs
// no locking.
type Defragmenter struct {
	buf []byte
	// expected is the full size (header + payload) of the packet at the
	// front of buf, or 0 until its header has been decoded.
	expected int
}

// NewDefragmenter creates an empty defragmenter.
func NewDefragmenter() *Defragmenter {
	return &Defragmenter{buf: make([]byte, 0, protocol.MaxPacketSize)}
}

// Write appends raw device bytes.
func (d *Defragmenter) Write(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes waiting for a complete packet.
func (d *Defragmenter) Buffered() int {
	return len(d.buf)
}

// Reset discards everything buffered.
func (d *Defragmenter) Reset() {
	d.buf = d.buf[:0]
	d.expected = 0
}

// Next returns the next complete, validated packet.
//
// protocol.ErrNeedMoreData means the caller must Write more bytes.
// protocol.ErrBadChecksum comes with a packet whose header is only good for
// addressing a NAK. ErrBadMagic and ErrBufferOverflow drop bytes to
// resynchronize; the caller simply calls Next again.
func (d *Defragmenter) Next() (*protocol.Packet, error) {
	if d.expected == 0 {
		if len(d.buf) < protocol.HeaderSize {
			return nil, protocol.ErrNeedMoreData
		}
		if !protocol.HasMagic(d.buf) {
			d.resync()
			return nil, protocol.ErrBadMagic
		}
		h, _ := protocol.DecodeHeader(d.buf)
		if h.DataSize >= protocol.MaxPacketSize {
			d.Reset()
			return nil, protocol.ErrBufferOverflow
		}
		d.expected = protocol.HeaderSize + int(h.DataSize)
	}

	if len(d.buf) < d.expected {
		return nil, protocol.ErrNeedMoreData
	}

	frame := d.buf[:d.expected]
	pkt, err := protocol.Decode(frame)
	if err == protocol.ErrBadChecksum {
		h, _ := protocol.DecodeHeader(frame)
		pkt = &protocol.Packet{Header: h}
	}
	d.consume(d.expected)
	return pkt, err
}

func (d *Defragmenter) consume(n int) {
	d.buf = append(d.buf[:0], d.buf[n:]...)
	d.expected = 0
}

// resync drops bytes up to the next candidate magic marker.
func (d *Defragmenter) resync() {
	if i := bytes.Index(d.buf[1:], protocol.Magic[:]); i >= 0 {
		d.consume(i + 1)
		return
	}
	// Keep a trailing first magic byte: its partner may still be in flight.
	if last := d.buf[len(d.buf)-1]; last == protocol.Magic[0] {
		d.buf = append(d.buf[:0], last)
		d.expected = 0
		return
	}
	d.Reset()
}

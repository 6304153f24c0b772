package device

import (
	"io"
	"sync"
)

// pipeDevice is one end of an in-memory, full-duplex byte link. Unlike
// net.Pipe, writes never wait for the reader; like a UART they just land in
// the peer's receive buffer.
type pipeDevice struct {
	mu     sync.Mutex
	cond   *sync.Cond
	buf    []byte
	closed bool

	peer *pipeDevice
}

// Pipe returns two connected in-memory devices. Closing either end makes
// reads on both ends fail with io.EOF once drained and writes fail with
// io.ErrClosedPipe.
func Pipe() (Device, Device) {
	a := &pipeDevice{}
	b := &pipeDevice{}
	a.cond = sync.NewCond(&a.mu)
	b.cond = sync.NewCond(&b.mu)
	a.peer, b.peer = b, a
	return a, b
}

func (p *pipeDevice) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for len(p.buf) == 0 {
		if p.closed {
			return 0, io.EOF
		}
		p.cond.Wait()
	}
	n := copy(b, p.buf)
	p.buf = p.buf[n:]
	return n, nil
}

func (p *pipeDevice) Write(b []byte) (int, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return 0, io.ErrClosedPipe
	}

	q := p.peer
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return 0, io.ErrClosedPipe
	}
	q.buf = append(q.buf, b...)
	q.cond.Broadcast()
	return len(b), nil
}

func (p *pipeDevice) Close() error {
	p.shut()
	p.peer.shut()
	return nil
}

func (p *pipeDevice) shut() {
	p.mu.Lock()
	p.closed = true
	p.cond.Broadcast()
	p.mu.Unlock()
}

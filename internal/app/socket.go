package app

import (
	"context"
	"errors"
	"net"
	"sync"

	"github.com/1ureka/uartlink/internal/session"
	"github.com/1ureka/uartlink/internal/util"
)

// maxReadSize bounds a single TCP read handed to the link; the link splits
// it into wire packets.
const maxReadSize = 16 * 1024

// Link is the part of transport.Link the TCP glue needs.
type Link interface {
	Send(sessionID uint32, data []byte) error
	FreeSession(sessionID uint32)
}

// socket bridges one session to one TCP connection.
type socket struct {
	id   uint32
	sess *session.Session
	link Link
	reg  *session.Registry
	conn net.Conn

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func newSocket(parent context.Context, sess *session.Session, link Link, reg *session.Registry, conn net.Conn) *socket {
	ctx, cancel := context.WithCancel(parent)
	return &socket{
		id:     sess.ID,
		sess:   sess,
		link:   link,
		reg:    reg,
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
	}
}

// run forwards in both directions until either side ends.
func (s *socket) run() {
	defer s.cleanup()
	go s.pumpTCPToLink()
	s.pumpSessionToTCP()
}

// pumpSessionToTCP writes delivered chunks to the TCP connection.
func (s *socket) pumpSessionToTCP() {
	for {
		chunk, err := s.sess.Recv(s.ctx)
		if err != nil {
			if errors.Is(err, session.ErrSessionDead) {
				util.Logf("[%08x] session ended", s.id)
			}
			return
		}
		if _, err := s.conn.Write(chunk.Data); err != nil {
			util.Logf("[%08x] TCP write error: %v", s.id, err)
			return
		}
	}
}

// pumpTCPToLink reads from the TCP connection and queues the bytes on the
// link. cleanup() closes the connection to unblock Read.
func (s *socket) pumpTCPToLink() {
	defer s.cleanup()

	buf := make([]byte, maxReadSize)
	for {
		n, err := s.conn.Read(buf)

		if n > 0 {
			if err := s.link.Send(s.id, buf[:n]); err != nil {
				util.Logf("[%08x] link send: %v", s.id, err)
				return
			}
		}

		if err != nil {
			select {
			case <-s.ctx.Done():
			default:
				util.Logf("[%08x] TCP read: %v", s.id, err)
			}
			return
		}
	}
}

// cleanup releases the connection and the session exactly once, whichever
// pump ends first, and tells the peer to free the session.
func (s *socket) cleanup() {
	s.closeOnce.Do(func() {
		s.cancel()
		s.conn.Close()
		s.link.FreeSession(s.id)
		s.reg.Free(s.id)
		util.Logf("[%08x] socket cleanup complete", s.id)
	})
}

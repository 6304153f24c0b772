// Package session keeps the set of logical sessions multiplexed over a link.
package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

var (
	ErrSessionDead     = errors.New("session: dead")
	ErrSessionExists   = errors.New("session: id already registered")
	ErrSessionNotFound = errors.New("session: not found")
)

// streamDepth bounds the chunks buffered between the link reader and the
// session consumer. When it is full the reader blocks, which in turn holds
// back the peer through withheld ACKs.
const streamDepth = 64

// Chunk is one delivered payload. Tail marks the last chunk of a message
// written by the peer in a single send.
type Chunk struct {
	Data []byte
	Tail bool
}

// Session is one logical channel.
type Session struct {
	ID uint32

	dead    atomic.Bool
	resetIO atomic.Bool

	stream    chan Chunk
	done      chan struct{}
	closeOnce sync.Once
}

func newSession(id uint32) *Session {
	return &Session{
		ID:     id,
		stream: make(chan Chunk, streamDepth),
		done:   make(chan struct{}),
	}
}

// FetchIntoSessionStream hands a payload to the session consumer. It blocks
// while the stream is full and fails once the session is dead. buf is
// copied; the caller may reuse it.
func (s *Session) FetchIntoSessionStream(buf []byte, tail bool) error {
	if s.dead.Load() {
		return ErrSessionDead
	}
	data := make([]byte, len(buf))
	copy(data, buf)

	select {
	case s.stream <- Chunk{Data: data, Tail: tail}:
		return nil
	case <-s.done:
		return ErrSessionDead
	}
}

// Recv returns the next delivered chunk. Chunks already buffered when the
// session dies are still returned.
func (s *Session) Recv(ctx context.Context) (Chunk, error) {
	select {
	case c := <-s.stream:
		return c, nil
	default:
	}

	select {
	case c := <-s.stream:
		return c, nil
	case <-s.done:
		return Chunk{}, ErrSessionDead
	case <-ctx.Done():
		return Chunk{}, ctx.Err()
	}
}

// MarkDead kills the session. It is safe to call more than once.
func (s *Session) MarkDead() {
	s.closeOnce.Do(func() {
		s.dead.Store(true)
		close(s.done)
	})
}

func (s *Session) IsDead() bool          { return s.dead.Load() }
func (s *Session) Done() <-chan struct{} { return s.done }

// SetResetIO flags that the peer is talking for another session; the
// local owner should stop using this one.
func (s *Session) SetResetIO()   { s.resetIO.Store(true) }
func (s *Session) ResetIO() bool { return s.resetIO.Load() }

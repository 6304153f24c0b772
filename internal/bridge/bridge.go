// Package bridge connects the link's inbound side to the session registry.
package bridge

import (
	"errors"
	"fmt"

	"github.com/1ureka/uartlink/internal/session"
	"github.com/1ureka/uartlink/internal/util"
)

var ErrStreamForward = errors.New("bridge: stream forward failed")

// Registry is the part of session.Registry the bridge needs.
type Registry interface {
	Admin(op session.AdminOp, id uint32) *session.Session
	Free(id uint32)
	PushAsyncMessage(id uint32, kind session.MessageKind, data []byte) bool
}

// Bridge implements transport.SessionBridge.
//
// With autoAccept set, data for an unknown session creates it and announces
// it on Accept; this is how the addressed side learns about new sessions.
// Without it such data is refused.
type Bridge struct {
	reg        Registry
	autoAccept bool
	accept     chan *session.Session
}

// New creates a bridge over reg.
func New(reg Registry, autoAccept bool) *Bridge {
	return &Bridge{
		reg:        reg,
		autoAccept: autoAccept,
		accept:     make(chan *session.Session, 16),
	}
}

// Accept yields sessions created by incoming data.
func (b *Bridge) Accept() <-chan *session.Session {
	return b.accept
}

// Deliver writes payload into the session's stream. A session whose stream
// cannot take the payload is marked dead.
func (b *Bridge) Deliver(sessionID uint32, payload []byte, tail bool) error {
	s := b.reg.Admin(session.OpQuery, sessionID)
	if s == nil {
		if !b.autoAccept {
			return fmt.Errorf("%w: [%08x] %w", ErrStreamForward, sessionID, session.ErrSessionNotFound)
		}
		s = b.reg.Admin(session.OpAdd, sessionID)
		select {
		case b.accept <- s:
			util.LogDebug("[%08x] new session", sessionID)
		default:
			b.reg.Free(sessionID)
			return fmt.Errorf("%w: [%08x] accept backlog full", ErrStreamForward, sessionID)
		}
	}

	if err := s.FetchIntoSessionStream(payload, tail); err != nil {
		s.MarkDead()
		b.reg.PushAsyncMessage(sessionID, session.MsgStreamFailed, nil)
		return fmt.Errorf("%w: [%08x] %w", ErrStreamForward, sessionID, err)
	}
	return nil
}

// OnSoftReset tears the session down. A new session binds on the next
// valid packet.
func (b *Bridge) OnSoftReset(sessionID uint32) {
	b.reg.PushAsyncMessage(sessionID, session.MsgSoftReset, nil)
	b.reg.Free(sessionID)
}

// IsSessionLive reports whether the session is registered and not dead.
func (b *Bridge) IsSessionLive(sessionID uint32) bool {
	s := b.reg.Admin(session.OpQuery, sessionID)
	return s != nil && !s.IsDead()
}

// ResetIO flags the local session after the peer spoke for another one.
func (b *Bridge) ResetIO(sessionID uint32) {
	s := b.reg.Admin(session.OpQuery, sessionID)
	if s == nil {
		return
	}
	s.SetResetIO()
	b.reg.PushAsyncMessage(sessionID, session.MsgResetIO, nil)
}

package session

import (
	"fmt"
	"sync"

	"github.com/1ureka/uartlink/internal/util"
)

// AdminOp selects what Admin does with a session id.
type AdminOp int

const (
	OpQuery AdminOp = iota
	OpAdd
	OpRemove
	OpClear
)

func (op AdminOp) String() string {
	switch op {
	case OpQuery:
		return "QUERY"
	case OpAdd:
		return "ADD"
	case OpRemove:
		return "REMOVE"
	case OpClear:
		return "CLEAR"
	default:
		return fmt.Sprintf("AdminOp(%d)", int(op))
	}
}

// MessageKind classifies asynchronous session notifications.
type MessageKind int

const (
	MsgSoftReset MessageKind = iota + 1
	MsgResetIO
	MsgStreamFailed
	MsgFreed
)

func (k MessageKind) String() string {
	switch k {
	case MsgSoftReset:
		return "soft-reset"
	case MsgResetIO:
		return "reset-io"
	case MsgStreamFailed:
		return "stream-failed"
	case MsgFreed:
		return "freed"
	default:
		return fmt.Sprintf("MessageKind(%d)", int(k))
	}
}

// AsyncMessage is a notification about a session, raised by the transport
// side and consumed by whoever owns the session lifecycle.
type AsyncMessage struct {
	SessionID uint32
	Kind      MessageKind
	Data      []byte
}

// Registry owns every live session by id.
type Registry struct {
	mu       sync.Mutex
	sessions map[uint32]*Session

	messages chan AsyncMessage
}

// NewRegistry creates an empty registry whose message queue holds up to
// backlog notifications.
func NewRegistry(backlog int) *Registry {
	return &Registry{
		sessions: make(map[uint32]*Session),
		messages: make(chan AsyncMessage, backlog),
	}
}

// Malloc creates and registers a session. A zero id picks a fresh random
// one.
func (r *Registry) Malloc(id uint32) (*Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id == 0 {
		for id == 0 || r.sessions[id] != nil {
			id = util.NewSessionID()
		}
	} else if _, ok := r.sessions[id]; ok {
		return nil, fmt.Errorf("malloc %08x: %w", id, ErrSessionExists)
	}

	s := newSession(id)
	r.sessions[id] = s
	return s, nil
}

// Admin queries or edits the registry.
//
//	OpQuery  returns the session, nil if unknown.
//	OpAdd    returns the session, creating it if unknown.
//	OpRemove unregisters and returns the session without killing it.
//	OpClear  kills and unregisters every session and returns nil.
func (r *Registry) Admin(op AdminOp, id uint32) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch op {
	case OpQuery:
		return r.sessions[id]
	case OpAdd:
		s, ok := r.sessions[id]
		if !ok {
			s = newSession(id)
			r.sessions[id] = s
		}
		return s
	case OpRemove:
		s := r.sessions[id]
		delete(r.sessions, id)
		return s
	case OpClear:
		for sid, s := range r.sessions {
			s.MarkDead()
			delete(r.sessions, sid)
		}
	}
	return nil
}

// Free kills and unregisters a session. Unknown ids are ignored.
func (r *Registry) Free(id uint32) {
	if s := r.Admin(OpRemove, id); s != nil {
		s.MarkDead()
		r.PushAsyncMessage(id, MsgFreed, nil)
	}
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// PushAsyncMessage queues a notification. It never blocks: when the queue
// is full the message is dropped and false is returned.
func (r *Registry) PushAsyncMessage(id uint32, kind MessageKind, data []byte) bool {
	select {
	case r.messages <- AsyncMessage{SessionID: id, Kind: kind, Data: data}:
		return true
	default:
		util.Logf("[%08x] async queue full, dropping %s", id, kind)
		return false
	}
}

// Messages returns the notification queue.
func (r *Registry) Messages() <-chan AsyncMessage {
	return r.messages
}

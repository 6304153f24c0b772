package transport

import (
	"sort"
	"sync"
	"time"

	"github.com/emirpasic/gods/maps/linkedhashmap"
	"github.com/google/uuid"

	"github.com/1ureka/uartlink/internal/protocol"
)

// PackageStatus is the coarse lifecycle of an outbound package record.
type PackageStatus uint8

const (
	StatusQueued PackageStatus = iota
	StatusAwaitingResponse
)

func (s PackageStatus) String() string {
	if s == StatusAwaitingResponse {
		return "awaiting-response"
	}
	return "queued"
}

// PackageKey identifies an outbound package record.
type PackageKey struct {
	Label     string
	SessionID uint32
}

// Package is one outbound wire packet and its retransmission bookkeeping.
// Values handed out by the Outbox are copies; Data is shared and read-only.
type Package struct {
	Key           PackageKey
	PackageIndex  uint32
	Option        protocol.Option
	Data          []byte
	Queue         bool
	SendTimePoint time.Time
	Status        PackageStatus
	Response      bool
	Ack           bool
	Attempts      int

	xfer transfer
}

// Outbox owns every outbound package record of a link and the per-session
// transfer slots. Slot state and record state change together under mu, so
// a slot is never free while its record still awaits a response.
type Outbox struct {
	timeout    time.Duration
	maxRetries int
	now        func() time.Time

	mu     sync.Mutex
	cond   *sync.Cond
	pkgs   *linkedhashmap.Map // label -> *Package, in enqueue order
	slots  map[uint32]uint32  // session -> package index in flight
	closed bool
}

// NewOutbox creates an outbox that resends unanswered packages after
// timeout. maxRetries bounds resends per package; 0 means unbounded.
func NewOutbox(timeout time.Duration, maxRetries int) *Outbox {
	o := &Outbox{
		timeout:    timeout,
		maxRetries: maxRetries,
		now:        time.Now,
		pkgs:       linkedhashmap.New(),
		slots:      make(map[uint32]uint32),
	}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// Enqueue encodes pkt and registers it for transmission. With queue=false
// the package is a control response: it bypasses the session slot, is sent
// once and never awaits a response.
func (o *Outbox) Enqueue(pkt *protocol.Packet, queue bool) (PackageKey, error) {
	data := protocol.Encode(pkt)

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return PackageKey{}, ErrLinkStopped
	}

	key := PackageKey{Label: uuid.NewString(), SessionID: pkt.Header.SessionID}
	p := &Package{
		Key:          key,
		PackageIndex: pkt.Header.PackageIndex,
		Option:       pkt.Header.Option,
		Data:         data,
		Queue:        queue,
		Status:       StatusQueued,
		xfer:         transfer{timeout: o.timeout},
	}
	p.xfer.Request()
	o.pkgs.Put(key.Label, p)
	o.cond.Broadcast()
	return key, nil
}

// OnResponse applies an ACK or NAK for (sessionID, packageIndex). An ACK
// discards the record and frees the slot; a NAK re-requests the same
// package. It reports whether a matching record existed.
func (o *Outbox) OnResponse(sessionID, packageIndex uint32, ack bool) bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	label, p := o.find(sessionID, packageIndex)
	if p == nil {
		return false
	}
	p.Response = true
	p.Ack = ack
	if ack {
		p.xfer.Ack()
		o.pkgs.Remove(label)
		if idx, ok := o.slots[sessionID]; ok && idx == packageIndex {
			delete(o.slots, sessionID)
		}
	} else if p.Status == StatusAwaitingResponse {
		p.xfer.Request()
		p.Status = StatusQueued
	}
	o.cond.Broadcast()
	return true
}

// Abandon drops every data package of a session and frees its slot.
// It returns the number of records dropped.
func (o *Outbox) Abandon(sessionID uint32) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	n := o.abandonLocked(sessionID)
	o.cond.Broadcast()
	return n
}

func (o *Outbox) abandonLocked(sessionID uint32) int {
	var labels []interface{}
	for it := o.pkgs.Iterator(); it.Next(); {
		p := it.Value().(*Package)
		if p.Queue && p.Key.SessionID == sessionID {
			labels = append(labels, it.Key())
		}
	}
	for _, label := range labels {
		o.pkgs.Remove(label)
	}
	delete(o.slots, sessionID)
	return len(labels)
}

// WaitDue blocks until at least one package must be written, a session ran
// out of retries, the outbox is closed or alive() turns false. The last
// result is false in the two latter cases.
func (o *Outbox) WaitDue(alive func() bool) ([]Package, []uint32, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()

	for {
		if o.closed || !alive() {
			return nil, nil, false
		}
		ready, expired := o.collect(o.now())
		if len(ready) > 0 || len(expired) > 0 {
			return ready, expired, true
		}

		if deadline, ok := o.nextDeadline(); ok {
			timer := time.AfterFunc(max(deadline.Sub(o.now()), time.Millisecond), o.Wake)
			o.cond.Wait()
			timer.Stop()
		} else {
			o.cond.Wait()
		}
	}
}

// collect picks the packages to write now, in enqueue order, and moves
// them to awaiting-response. Sessions whose package exhausted maxRetries
// are abandoned and returned separately.
func (o *Outbox) collect(now time.Time) ([]Package, []uint32) {
	var ready []Package
	var expired []uint32
	dead := make(map[uint32]bool)

	for _, v := range o.pkgs.Values() {
		p := v.(*Package)
		if !p.Queue {
			o.pkgs.Remove(p.Key.Label)
			p.SendTimePoint = now
			p.Attempts = 1
			ready = append(ready, *p)
			continue
		}

		sid := p.Key.SessionID
		if dead[sid] {
			continue
		}
		if idx, busy := o.slots[sid]; busy && idx != p.PackageIndex {
			continue
		}
		if !p.xfer.Wait(now) {
			continue
		}
		if o.maxRetries > 0 && p.Attempts > o.maxRetries {
			o.abandonLocked(sid)
			dead[sid] = true
			expired = append(expired, sid)
			continue
		}

		p.Attempts++
		p.Response = false
		p.SendTimePoint = now
		p.Status = StatusAwaitingResponse
		p.xfer.Sent(now)
		o.slots[sid] = p.PackageIndex
		ready = append(ready, *p)
	}
	return ready, expired
}

func (o *Outbox) nextDeadline() (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, v := range o.pkgs.Values() {
		p := v.(*Package)
		d, armed := p.xfer.Deadline()
		if !armed {
			continue
		}
		if !found || d.Before(earliest) {
			earliest = d
			found = true
		}
	}
	return earliest, found
}

func (o *Outbox) find(sessionID, packageIndex uint32) (interface{}, *Package) {
	for it := o.pkgs.Iterator(); it.Next(); {
		p := it.Value().(*Package)
		if p.Queue && p.Key.SessionID == sessionID && p.PackageIndex == packageIndex {
			return it.Key(), p
		}
	}
	return nil, nil
}

// Wake forces a blocked WaitDue to re-evaluate its conditions.
func (o *Outbox) Wake() {
	o.mu.Lock()
	o.cond.Broadcast()
	o.mu.Unlock()
}

// Close rejects further packages, drops every record and returns the ids of
// sessions that still had data outstanding, in ascending order.
func (o *Outbox) Close() []uint32 {
	o.mu.Lock()
	defer o.mu.Unlock()

	seen := make(map[uint32]bool)
	var sessions []uint32
	for _, v := range o.pkgs.Values() {
		p := v.(*Package)
		if p.Queue && !seen[p.Key.SessionID] {
			seen[p.Key.SessionID] = true
			sessions = append(sessions, p.Key.SessionID)
		}
	}
	sort.Slice(sessions, func(i, j int) bool { return sessions[i] < sessions[j] })

	o.closed = true
	o.pkgs.Clear()
	o.slots = make(map[uint32]uint32)
	o.cond.Broadcast()
	return sessions
}

// InFlight returns the package index occupying the session's slot.
func (o *Outbox) InFlight(sessionID uint32) (uint32, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	idx, ok := o.slots[sessionID]
	return idx, ok
}

// Get returns a copy of the data package record for (sessionID, packageIndex).
func (o *Outbox) Get(sessionID, packageIndex uint32) (Package, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, p := o.find(sessionID, packageIndex)
	if p == nil {
		return Package{}, false
	}
	return *p, true
}

// Len returns the number of records, control packages included.
func (o *Outbox) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.pkgs.Size()
}

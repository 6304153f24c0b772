// Package transport implements reliable, ordered, session-multiplexed
// packet delivery over a half-duplex byte link such as a UART.
//
// A Link owns one physical device. Outbound session buffers are split into
// wire packets, registered with the Outbox and written by a single writer
// goroutine; at most one data package per session is unacknowledged at a
// time. A single reader goroutine rebuilds packets from the raw byte stream,
// answers them with ACK/NAK and hands payloads to the SessionBridge. A
// supervisor reopens the device whenever it dies.
package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/1ureka/uartlink/internal/device"
	"github.com/1ureka/uartlink/internal/protocol"
	"github.com/1ureka/uartlink/internal/util"
)

// Role decides how a link reacts to packets of a session it did not expect.
type Role int

const (
	// RoleHost initiates sessions. Data of any other session is stale and
	// answered with a RESET.
	RoleHost Role = iota
	// RoleDaemon is addressed by the host and binds whatever session
	// speaks to it, soft-resetting the previous one.
	RoleDaemon
)

func (r Role) String() string {
	if r == RoleHost {
		return "host"
	}
	return "daemon"
}

// SessionBridge is the link's view of the session layer.
type SessionBridge interface {
	// Deliver writes a validated payload into the session's stream.
	Deliver(sessionID uint32, payload []byte, tail bool) error
	// OnSoftReset tears the session down; a new one may bind later.
	OnSoftReset(sessionID uint32)
	// IsSessionLive reports whether the session exists and is not dead.
	IsSessionLive(sessionID uint32) bool
	// ResetIO flags the local session after the peer spoke for another one.
	ResetIO(sessionID uint32)
}

// Config tunes a Link.
type Config struct {
	Role Role
	// AckTimeout is how long a sent package waits for ACK/NAK before it is
	// written again.
	AckTimeout time.Duration
	// MaxRetries bounds resends of a package; 0 retries until the session
	// is torn down or the package is acknowledged.
	MaxRetries int
	// WatchdogInterval is the supervisor period.
	WatchdogInterval time.Duration
}

// DefaultConfig returns the daemon-side defaults.
func DefaultConfig() Config {
	return Config{
		Role:             RoleDaemon,
		AckTimeout:       time.Second,
		MaxRetries:       0,
		WatchdogInterval: time.Second,
	}
}

// ioConn is one incarnation of the device. Both I/O loops of an incarnation
// stop as soon as alive is cleared; a reopened device gets a new ioConn
// with a fresh reassembly buffer.
type ioConn struct {
	dev    device.Device
	alive  atomic.Bool
	defrag *Defragmenter

	closeOnce sync.Once
	closeErr  error
}

func (c *ioConn) close() error {
	c.closeOnce.Do(func() {
		c.alive.Store(false)
		c.closeErr = c.dev.Close()
	})
	return c.closeErr
}

// Link runs the reliable transport over one physical device.
type Link struct {
	name   string
	cfg    Config
	open   device.Opener
	bridge SessionBridge
	outbox *Outbox
	frag   *Fragmenter

	mu         sync.Mutex
	conn       *ioConn
	connecting bool
	bound      uint32 // session owning the link, 0 if none
	lastIndex  uint32 // last delivered package index of bound
	ended      *tombstones
	reopen     *backoff.ExponentialBackOff
	retryAt    time.Time

	sendMu  sync.Mutex // keeps package indexes in enqueue order
	writeMu sync.Mutex

	stopped  atomic.Bool
	stopCh   chan struct{}
	stopOnce sync.Once
	stopErr  error
	wg       sync.WaitGroup
}

// LinkStats is a point-in-time view of a link.
type LinkStats struct {
	Alive        bool
	BoundSession uint32
	Pending      int
}

// NewLink creates a stopped link over the device produced by open.
func NewLink(name string, cfg Config, open device.Opener, bridge SessionBridge) *Link {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.WatchdogInterval
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	b.Reset()

	return &Link{
		name:   name,
		cfg:    cfg,
		open:   open,
		bridge: bridge,
		outbox: NewOutbox(cfg.AckTimeout, cfg.MaxRetries),
		frag:   NewFragmenter(),
		ended:  newTombstones(tombstoneCapacity),
		reopen: b,
		stopCh: make(chan struct{}),
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// Start opens the device and launches the supervisor. It returns at once;
// the supervisor keeps reopening the device until Stop or ctx is done.
func (l *Link) Start(ctx context.Context) {
	l.wg.Add(1)
	go l.supervise(ctx)
}

// Run starts the link and blocks until ctx is cancelled, then stops it.
func (l *Link) Run(ctx context.Context) error {
	l.Start(ctx)
	<-ctx.Done()
	return l.Stop()
}

// Stop shuts the link down. It tells the peer to free every session that
// still had data outstanding, closes the device and waits for all loops.
// Calling it more than once is harmless.
func (l *Link) Stop() error {
	l.stopOnce.Do(func() {
		l.stopped.Store(true)
		close(l.stopCh)
		sessions := l.outbox.Close()

		l.mu.Lock()
		c := l.conn
		if l.bound != 0 && !containsID(sessions, l.bound) {
			sessions = append(sessions, l.bound)
		}
		l.mu.Unlock()

		if c != nil {
			if c.alive.Load() {
				for _, sid := range sessions {
					if err := l.write(c, protocol.EncodeControl(sid, 0, protocol.OptFree)); err != nil {
						util.LogDebug("[%08x] FREE on shutdown: %v", sid, err)
						break
					}
				}
			}
			l.stopErr = c.close()
		}
		l.wg.Wait()
		util.LogInfo("link %s stopped", l.name)
	})
	return l.stopErr
}

// Alive reports whether the device is open and both loops are running.
func (l *Link) Alive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.conn != nil && l.conn.alive.Load()
}

// Stats returns a snapshot of the link state.
func (l *Link) Stats() LinkStats {
	l.mu.Lock()
	s := LinkStats{
		Alive:        l.conn != nil && l.conn.alive.Load(),
		BoundSession: l.bound,
	}
	l.mu.Unlock()
	s.Pending = l.outbox.Len()
	return s
}

// ---------------------------------------------------------------------------
// Supervisor
// ---------------------------------------------------------------------------

func (l *Link) supervise(ctx context.Context) {
	defer l.wg.Done()

	ticker := time.NewTicker(l.cfg.WatchdogInterval)
	defer ticker.Stop()

	l.check(ctx)
	for {
		select {
		case <-ticker.C:
			l.check(ctx)
		case <-l.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// check reopens the device when it is neither alive nor being opened.
func (l *Link) check(ctx context.Context) {
	now := time.Now()

	l.mu.Lock()
	if l.stopped.Load() || l.connecting || (l.conn != nil && l.conn.alive.Load()) || now.Before(l.retryAt) {
		l.mu.Unlock()
		return
	}
	stale := l.conn
	l.conn = nil
	l.connecting = true
	l.mu.Unlock()

	if stale != nil {
		stale.close()
	}

	dev, err := l.open(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()
	l.connecting = false
	if err != nil {
		wait := l.reopen.NextBackOff()
		l.retryAt = now.Add(wait)
		util.LogWarning("link %s: open device: %v (retry in %s)", l.name, err, wait.Round(time.Millisecond))
		return
	}
	if l.stopped.Load() {
		dev.Close()
		return
	}

	l.reopen.Reset()
	l.retryAt = time.Time{}
	c := &ioConn{dev: dev, defrag: NewDefragmenter()}
	c.alive.Store(true)
	l.conn = c
	util.Stats.AddReopen()
	util.LogInfo("link %s up (%s role)", l.name, l.cfg.Role)

	l.wg.Add(2)
	go l.readLoop(c)
	go l.writeLoop(c)
	// The writer of the previous incarnation may have left packages due.
	l.outbox.Wake()
}

// markDead flags the incarnation as gone after a fatal I/O error and
// closes its handle; the supervisor reopens it on its next tick.
func (l *Link) markDead(c *ioConn, err error) {
	if c.alive.CompareAndSwap(true, false) && !l.stopped.Load() {
		util.LogWarning("link %s: device failed: %v", l.name, err)
	}
	c.close()
	l.outbox.Wake()
}

// ---------------------------------------------------------------------------
// Outbound
// ---------------------------------------------------------------------------

// Send splits data into wire packets for sessionID and queues them. The
// packets go out one at a time, each after the previous one was ACKed.
// On the host side sending also binds the link to sessionID.
func (l *Link) Send(sessionID uint32, data []byte) error {
	if l.stopped.Load() {
		return ErrLinkStopped
	}
	if !l.bridge.IsSessionLive(sessionID) {
		return ErrSessionNotLive
	}
	if l.cfg.Role == RoleHost {
		// The host allocates session ids, so sending is how an id that
		// ended earlier comes back into use.
		l.mu.Lock()
		l.ended.revive(sessionID)
		l.mu.Unlock()
		l.bind(sessionID)
	}

	l.sendMu.Lock()
	defer l.sendMu.Unlock()
	for _, pkt := range l.frag.Split(sessionID, data) {
		if _, err := l.outbox.Enqueue(pkt, true); err != nil {
			return err
		}
	}
	return nil
}

// FreeSession drops everything the link holds for a session the local side
// tore down and tells the peer to do the same.
func (l *Link) FreeSession(sessionID uint32) {
	l.forget(sessionID)
	if !l.stopped.Load() {
		l.sendControl(sessionID, 0, protocol.OptFree)
	}
}

// sendControl queues a control response; it bypasses the session slot.
func (l *Link) sendControl(sessionID, packageIndex uint32, option protocol.Option) {
	pkt := &protocol.Packet{Header: protocol.Header{
		SessionID:    sessionID,
		PackageIndex: packageIndex,
		Option:       option,
	}}
	if _, err := l.outbox.Enqueue(pkt, false); err != nil && !errors.Is(err, ErrLinkStopped) {
		util.LogWarning("[%08x] queue %s: %v", sessionID, option, err)
	}
}

func (l *Link) write(c *ioConn, data []byte) error {
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if _, err := c.dev.Write(data); err != nil {
		return err
	}
	util.Stats.AddSent(len(data))
	return nil
}

// writeLoop drains due packages for all sessions, then blocks until more
// are queued, a timer elapses or the incarnation dies.
func (l *Link) writeLoop(c *ioConn) {
	defer l.wg.Done()

	alive := func() bool { return c.alive.Load() && !l.stopped.Load() }
	for {
		ready, expired, ok := l.outbox.WaitDue(alive)
		if !ok {
			return
		}

		for _, sid := range expired {
			util.LogWarning("[%08x] no response after %d retries, dropping session", sid, l.cfg.MaxRetries)
			l.softReset(sid)
		}

		for _, p := range ready {
			if p.Queue && !l.bridge.IsSessionLive(p.Key.SessionID) {
				trace(p.Key.SessionID, "session gone, abandoning outbound data")
				l.forget(p.Key.SessionID)
				continue
			}
			if err := l.write(c, p.Data); err != nil {
				l.markDead(c, err)
				return
			}
			if p.Attempts > 1 {
				util.Stats.AddResend()
				trace(p.Key.SessionID, "resend index=%d attempt=%d", p.PackageIndex, p.Attempts)
			}
		}
	}
}

// ---------------------------------------------------------------------------
// Inbound
// ---------------------------------------------------------------------------

// readLoop feeds device bytes into the reassembly buffer until the device
// fails or the incarnation is stopped.
func (l *Link) readLoop(c *ioConn) {
	defer l.wg.Done()

	buf := make([]byte, protocol.MaxPacketSize)
	for c.alive.Load() && !l.stopped.Load() {
		n, err := c.dev.Read(buf)
		if err != nil {
			l.markDead(c, err)
			return
		}
		if n == 0 {
			continue
		}
		util.Stats.AddRecv(n)
		c.defrag.Write(buf[:n])
		l.drain(c.defrag)
	}
}

// drain handles every complete packet currently buffered.
func (l *Link) drain(d *Defragmenter) {
	for {
		pkt, err := d.Next()
		switch {
		case err == nil:
			util.Stats.AddPacket()
			l.handlePacket(pkt)
		case errors.Is(err, protocol.ErrNeedMoreData):
			return
		case errors.Is(err, protocol.ErrBadChecksum):
			util.Stats.AddNakSent()
			trace(pkt.Header.SessionID, "checksum mismatch on index=%d, NAK", pkt.Header.PackageIndex)
			l.sendControl(pkt.Header.SessionID, pkt.Header.PackageIndex, protocol.OptNak)
		default:
			util.Stats.AddDropped()
			util.Logf("link %s: dropping input: %v", l.name, err)
		}
	}
}

// handlePacket dispatches one validated packet. It returns
// protocol.ErrSoftReset when the packet caused a soft reset instead of a
// delivery, or the bridge error when delivery failed.
func (l *Link) handlePacket(pkt *protocol.Packet) error {
	h := pkt.Header
	switch {
	case h.Option.IsResponse():
		ack := h.Option.Has(protocol.OptAck)
		if !ack {
			util.Stats.AddNakRecv()
		}
		if !l.outbox.OnResponse(h.SessionID, h.PackageIndex, ack) {
			trace(h.SessionID, "stale %s for index=%d", h.Option, h.PackageIndex)
		}
		return nil

	case h.Option.Has(protocol.OptReset):
		util.LogInfo("[%08x] peer requested soft reset", h.SessionID)
		l.softReset(h.SessionID)
		return protocol.ErrSoftReset

	case h.Option.Has(protocol.OptFree):
		trace(h.SessionID, "peer freed session")
		l.forget(h.SessionID)
		l.bridge.OnSoftReset(h.SessionID)
		return nil
	}
	return l.handleData(pkt)
}

func (l *Link) handleData(pkt *protocol.Packet) error {
	h := pkt.Header

	l.mu.Lock()
	bound := l.bound
	last, ended := l.ended.lookup(h.SessionID)
	l.mu.Unlock()

	if ended {
		return l.handleEnded(h, last)
	}

	if h.SessionID != bound {
		if l.cfg.Role == RoleHost {
			// The daemon still talks for a session from before the host
			// restarted: make it drop that session, deliver nothing.
			util.LogInfo("[%08x] unexpected session (bound %08x), requesting reset", h.SessionID, bound)
			util.Stats.AddSoftReset()
			l.sendControl(h.SessionID, 0, protocol.OptReset)
			if bound != 0 {
				l.bridge.ResetIO(bound)
			}
			return protocol.ErrSoftReset
		}
		if bound != 0 {
			util.LogInfo("[%08x] replaced by session %08x", bound, h.SessionID)
			l.softReset(bound)
		}
		l.bind(h.SessionID)
	}

	l.mu.Lock()
	duplicate := h.PackageIndex != 0 && h.PackageIndex <= l.lastIndex
	l.mu.Unlock()
	if duplicate {
		// Our ACK was lost; the peer resent a package we already delivered.
		l.sendControl(h.SessionID, h.PackageIndex, protocol.OptAck)
		return nil
	}

	if err := l.bridge.Deliver(h.SessionID, pkt.Payload, h.Option.Has(protocol.OptTail)); err != nil {
		util.LogWarning("[%08x] deliver index=%d: %v", h.SessionID, h.PackageIndex, err)
		return err
	}

	l.mu.Lock()
	if l.bound == h.SessionID {
		l.lastIndex = h.PackageIndex
	}
	l.mu.Unlock()
	l.sendControl(h.SessionID, h.PackageIndex, protocol.OptAck)
	return nil
}

// handleEnded answers data for a session this link already tore down. It
// never binds or delivers: a resend of something delivered is ACKed so the
// peer stops, anything newer gets a RESET so the peer drops the session.
func (l *Link) handleEnded(h protocol.Header, last uint32) error {
	if h.PackageIndex != 0 && h.PackageIndex <= last {
		trace(h.SessionID, "late resend of index=%d after session ended, ACK", h.PackageIndex)
		l.sendControl(h.SessionID, h.PackageIndex, protocol.OptAck)
		return nil
	}
	trace(h.SessionID, "data index=%d for ended session, requesting reset", h.PackageIndex)
	l.sendControl(h.SessionID, 0, protocol.OptReset)
	return protocol.ErrSoftReset
}

// ---------------------------------------------------------------------------
// Session binding
// ---------------------------------------------------------------------------

func (l *Link) bind(sessionID uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.bound != sessionID {
		l.bound = sessionID
		l.lastIndex = 0
	}
}

// BoundSession returns the session currently owning the link, 0 if none.
func (l *Link) BoundSession() uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bound
}

// forget drops the link's outbound state for a session, unbinds it and
// remembers it as ended.
func (l *Link) forget(sessionID uint32) {
	l.outbox.Abandon(sessionID)
	l.frag.Forget(sessionID)
	l.mu.Lock()
	var last uint32
	if l.bound == sessionID {
		last = l.lastIndex
		l.bound = 0
		l.lastIndex = 0
	}
	l.ended.bury(sessionID, last)
	l.mu.Unlock()
}

// softReset tears down a session locally; a new one binds on the next
// valid packet.
func (l *Link) softReset(sessionID uint32) {
	util.Stats.AddSoftReset()
	l.forget(sessionID)
	l.bridge.OnSoftReset(sessionID)
}

func containsID(ids []uint32, id uint32) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

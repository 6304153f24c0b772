package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/uartlink/internal/protocol"
)

// fakeClock is a manually advanced time source.
type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestOutbox(timeout time.Duration, maxRetries int) (*Outbox, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1700000000, 0)}
	o := NewOutbox(timeout, maxRetries)
	o.now = clk.Now
	return o, clk
}

func dataPacket(sessionID, index uint32, payload string) *protocol.Packet {
	return &protocol.Packet{
		Header:  protocol.Header{SessionID: sessionID, PackageIndex: index},
		Payload: []byte(payload),
	}
}

func indexes(pkgs []Package) []uint32 {
	out := make([]uint32, 0, len(pkgs))
	for _, p := range pkgs {
		out = append(out, p.PackageIndex)
	}
	return out
}

func TestOutboxSecondPackageWaitsForAck(t *testing.T) {
	o, clk := newTestOutbox(time.Second, 0)

	_, err := o.Enqueue(dataPacket(1, 1, "first"), true)
	require.NoError(t, err)
	_, err = o.Enqueue(dataPacket(1, 2, "second"), true)
	require.NoError(t, err)

	ready, expired := o.collect(clk.Now())
	assert.Empty(t, expired)
	assert.Equal(t, []uint32{1}, indexes(ready))
	assert.Equal(t, StatusAwaitingResponse, ready[0].Status)

	idx, busy := o.InFlight(1)
	require.True(t, busy)
	assert.Equal(t, uint32(1), idx)

	// Still gated: nothing new is due.
	ready, _ = o.collect(clk.Now())
	assert.Empty(t, ready)

	require.True(t, o.OnResponse(1, 1, true))
	_, busy = o.InFlight(1)
	assert.False(t, busy)
	_, ok := o.Get(1, 1)
	assert.False(t, ok, "acked record must be discarded")

	ready, _ = o.collect(clk.Now())
	assert.Equal(t, []uint32{2}, indexes(ready))
}

func TestOutboxSessionsDoNotBlockEachOther(t *testing.T) {
	o, clk := newTestOutbox(time.Second, 0)
	o.Enqueue(dataPacket(1, 1, "a"), true)
	o.Enqueue(dataPacket(1, 2, "a"), true)
	o.Enqueue(dataPacket(2, 1, "b"), true)

	ready, _ := o.collect(clk.Now())
	require.Len(t, ready, 2)
	assert.Equal(t, uint32(1), ready[0].Key.SessionID)
	assert.Equal(t, uint32(2), ready[1].Key.SessionID)
}

func TestOutboxNakResendsSameIndex(t *testing.T) {
	o, clk := newTestOutbox(time.Second, 0)
	o.Enqueue(dataPacket(1, 1, "x"), true)

	first, _ := o.collect(clk.Now())
	require.Len(t, first, 1)

	require.True(t, o.OnResponse(1, 1, false))
	p, ok := o.Get(1, 1)
	require.True(t, ok)
	assert.True(t, p.Response)
	assert.False(t, p.Ack)

	clk.Advance(10 * time.Millisecond)
	again, _ := o.collect(clk.Now())
	require.Len(t, again, 1)
	assert.Equal(t, uint32(1), again[0].PackageIndex)
	assert.Equal(t, first[0].Data, again[0].Data)
	assert.Equal(t, 2, again[0].Attempts)
	assert.True(t, again[0].SendTimePoint.After(first[0].SendTimePoint))
}

func TestOutboxTimeoutResends(t *testing.T) {
	o, clk := newTestOutbox(time.Second, 0)
	o.Enqueue(dataPacket(1, 1, "x"), true)
	o.collect(clk.Now())

	clk.Advance(999 * time.Millisecond)
	ready, _ := o.collect(clk.Now())
	assert.Empty(t, ready)

	clk.Advance(time.Millisecond)
	ready, _ = o.collect(clk.Now())
	require.Len(t, ready, 1)
	assert.Equal(t, 2, ready[0].Attempts)
}

func TestOutboxUnboundedRetriesByDefault(t *testing.T) {
	o, clk := newTestOutbox(time.Second, 0)
	o.Enqueue(dataPacket(1, 1, "x"), true)

	for i := 1; i <= 50; i++ {
		ready, expired := o.collect(clk.Now())
		require.Empty(t, expired)
		require.Len(t, ready, 1)
		require.Equal(t, i, ready[0].Attempts)
		clk.Advance(time.Second)
	}
}

func TestOutboxMaxRetriesExpiresSession(t *testing.T) {
	o, clk := newTestOutbox(time.Second, 2)
	o.Enqueue(dataPacket(1, 1, "x"), true)
	o.Enqueue(dataPacket(1, 2, "y"), true)

	// One send plus two retries.
	for i := 0; i < 3; i++ {
		ready, expired := o.collect(clk.Now())
		require.Empty(t, expired)
		require.Len(t, ready, 1)
		clk.Advance(time.Second)
	}

	ready, expired := o.collect(clk.Now())
	assert.Empty(t, ready)
	assert.Equal(t, []uint32{1}, expired)
	assert.Zero(t, o.Len())
	_, busy := o.InFlight(1)
	assert.False(t, busy)
}

func TestOutboxControlBypassesSlot(t *testing.T) {
	o, clk := newTestOutbox(time.Second, 0)
	o.Enqueue(dataPacket(1, 1, "x"), true)
	o.collect(clk.Now())

	_, err := o.Enqueue(&protocol.Packet{Header: protocol.Header{SessionID: 1, PackageIndex: 4, Option: protocol.OptAck}}, false)
	require.NoError(t, err)

	ready, _ := o.collect(clk.Now())
	require.Len(t, ready, 1)
	assert.False(t, ready[0].Queue)
	assert.Equal(t, protocol.OptAck, ready[0].Option)

	// Sent once and forgotten.
	assert.Equal(t, 1, o.Len())
	assert.False(t, o.OnResponse(1, 4, true))
}

func TestOutboxStaleResponse(t *testing.T) {
	o, _ := newTestOutbox(time.Second, 0)
	assert.False(t, o.OnResponse(9, 1, true))
}

func TestOutboxAbandon(t *testing.T) {
	o, clk := newTestOutbox(time.Second, 0)
	o.Enqueue(dataPacket(1, 1, "x"), true)
	o.Enqueue(dataPacket(1, 2, "y"), true)
	o.Enqueue(dataPacket(2, 1, "z"), true)
	o.collect(clk.Now())

	assert.Equal(t, 2, o.Abandon(1))
	_, busy := o.InFlight(1)
	assert.False(t, busy)
	assert.Equal(t, 1, o.Len())
}

func TestOutboxCloseReportsSessions(t *testing.T) {
	o, _ := newTestOutbox(time.Second, 0)
	o.Enqueue(dataPacket(9, 1, "x"), true)
	o.Enqueue(dataPacket(3, 1, "y"), true)
	o.Enqueue(dataPacket(9, 2, "z"), true)

	assert.Equal(t, []uint32{3, 9}, o.Close())
	assert.Zero(t, o.Len())

	_, err := o.Enqueue(dataPacket(1, 1, "late"), true)
	assert.ErrorIs(t, err, ErrLinkStopped)
}

func TestOutboxWaitDueWakesOnEnqueue(t *testing.T) {
	o := NewOutbox(time.Second, 0)

	done := make(chan []Package, 1)
	go func() {
		ready, _, ok := o.WaitDue(func() bool { return true })
		if ok {
			done <- ready
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	o.Enqueue(dataPacket(1, 1, "x"), true)

	select {
	case ready := <-done:
		assert.Equal(t, []uint32{1}, indexes(ready))
	case <-time.After(2 * time.Second):
		t.Fatal("WaitDue did not wake up")
	}
}

func TestOutboxWaitDueFiresOnTimeout(t *testing.T) {
	o := NewOutbox(30*time.Millisecond, 0)
	o.Enqueue(dataPacket(1, 1, "x"), true)

	alive := func() bool { return true }
	first, _, ok := o.WaitDue(alive)
	require.True(t, ok)
	require.Len(t, first, 1)

	start := time.Now()
	again, _, ok := o.WaitDue(alive)
	require.True(t, ok)
	require.Len(t, again, 1)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestOutboxWaitDueStopsOnClose(t *testing.T) {
	o := NewOutbox(time.Second, 0)

	done := make(chan bool, 1)
	go func() {
		_, _, ok := o.WaitDue(func() bool { return true })
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	o.Close()

	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("WaitDue did not return after Close")
	}
}

func TestTransferStates(t *testing.T) {
	now := time.Unix(0, 0)
	x := transfer{timeout: time.Second}
	assert.Equal(t, TransferIdle, x.state)
	assert.False(t, x.Wait(now))

	x.Request()
	assert.True(t, x.Wait(now))

	x.Sent(now)
	assert.Equal(t, TransferSent, x.state)
	assert.False(t, x.Wait(now.Add(500*time.Millisecond)))
	assert.True(t, x.Wait(now.Add(time.Second)))
	assert.Equal(t, TransferTimedOut, x.state)

	x.Ack()
	x.Request()
	assert.Equal(t, TransferAcked, x.state)
	assert.False(t, x.Wait(now.Add(time.Hour)))
	assert.Equal(t, "acked", x.state.String())
}

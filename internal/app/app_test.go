package app

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/uartlink/internal/bridge"
	"github.com/1ureka/uartlink/internal/config"
	"github.com/1ureka/uartlink/internal/device"
	"github.com/1ureka/uartlink/internal/session"
	"github.com/1ureka/uartlink/internal/transport"
)

// ---------------------------------------------------------------------------
// Test helpers
// ---------------------------------------------------------------------------

// startEchoServer starts a TCP echo server that copies everything it receives
// back to the sender. Returns the address (host:port) it is listening on.
func startEchoServer(t *testing.T, ctx context.Context) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		<-ctx.Done()
		l.Close()
	}()
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				io.Copy(c, c)
			}(conn)
		}
	}()
	return l.Addr().String()
}

// getFreeAddr finds a free TCP port on loopback and returns its address.
func getFreeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	l.Close()
	return addr
}

// waitForListener polls addr until a TCP connection succeeds. The probe
// connection is not closed: the host serves it as a session, so it is
// handed back to the caller.
func waitForListener(t *testing.T, addr string, timeout time.Duration) net.Conn {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		conn, err := net.DialTimeout("tcp", addr, 100*time.Millisecond)
		if err == nil {
			return conn
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("listener at %s not ready within %v", addr, timeout)
	return nil
}

// makeTestData generates deterministic test data of the given size.
func makeTestData(size int, seed byte) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = byte(i%251) ^ seed
	}
	return data
}

// side is one end of the UART: its registry, bridge and link.
type side struct {
	reg    *session.Registry
	bridge *bridge.Bridge
	link   *transport.Link
}

func newSide(t *testing.T, role transport.Role, dev device.Device) *side {
	t.Helper()
	reg := session.NewRegistry(64)
	br := bridge.New(reg, role == transport.RoleDaemon)
	cfg := transport.Config{
		Role:             role,
		AckTimeout:       200 * time.Millisecond,
		WatchdogInterval: 10 * time.Millisecond,
	}
	link := transport.NewLink(role.String(), cfg, func(context.Context) (device.Device, error) { return dev, nil }, br)
	return &side{reg: reg, bridge: br, link: link}
}

// echoThrough writes data through conn and checks that the same bytes come
// back.
func echoThrough(t *testing.T, conn net.Conn, data []byte) {
	t.Helper()

	errCh := make(chan error, 1)
	go func() {
		_, err := conn.Write(data)
		errCh <- err
	}()

	got := make([]byte, len(data))
	conn.SetReadDeadline(time.Now().Add(15 * time.Second))
	_, err := io.ReadFull(conn, got)
	require.NoError(t, err)
	require.NoError(t, <-errCh)
	assert.True(t, bytes.Equal(data, got), "echoed data mismatch (%d bytes)", len(data))
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

// TestHostAndDaemonOverUART exercises the full path:
//
//	[TCP client] <-> [RunHost] <-> [Link] <-UART-> [Link] <-> [RunDaemon] <-> [echo server]
//
// Payloads span many wire packets, so fragmentation, ACK pacing and
// reassembly are all exercised. Clients connect one after another; each new
// session replaces the previous one on the daemon side.
func TestHostAndDaemonOverUART(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)

	echoAddr := startEchoServer(t, ctx)
	hostAddr := getFreeAddr(t)

	hostDev, daemonDev := device.Pipe()
	host := newSide(t, transport.RoleHost, hostDev)
	daemon := newSide(t, transport.RoleDaemon, daemonDev)

	host.link.Start(ctx)
	daemon.link.Start(ctx)

	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
		host.link.Stop()
		daemon.link.Stop()
	}()

	wg.Add(2)
	go func() {
		defer wg.Done()
		RunHost(ctx, host.link, host.reg, hostAddr)
	}()
	go func() {
		defer wg.Done()
		RunDaemon(ctx, daemon.link, daemon.reg, daemon.bridge.Accept(), echoAddr)
	}()

	conn := waitForListener(t, hostAddr, 5*time.Second)

	const numConns = 3
	const dataSize = 64 * 1024
	for i := 0; i < numConns; i++ {
		echoThrough(t, conn, makeTestData(dataSize, byte(i)))
		conn.Close()

		if i < numConns-1 {
			conn = waitForListener(t, hostAddr, 5*time.Second)
		}
	}

	require.Eventually(t, func() bool { return host.reg.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return daemon.reg.Len() == 0 }, 5*time.Second, 10*time.Millisecond)
}

// TestRunDaemonDialFailureFreesSession checks that a session whose target
// cannot be reached is released on both sides.
func TestRunDaemonDialFailureFreesSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reg := session.NewRegistry(8)
	accept := make(chan *session.Session, 1)
	link := &recordingLink{}

	done := make(chan struct{})
	go func() {
		defer close(done)
		RunDaemon(ctx, link, reg, accept, getFreeAddr(t))
	}()

	s := reg.Admin(session.OpAdd, 11)
	accept <- s

	require.Eventually(t, s.IsDead, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []uint32{11}, link.Freed())

	cancel()
	<-done
}

func TestRunHostListenError(t *testing.T) {
	err := RunHost(context.Background(), &recordingLink{}, session.NewRegistry(1), "not-an-address")
	assert.Error(t, err)
}

func TestRunRejectsUnknownRole(t *testing.T) {
	cfg := config.Default()
	cfg.Role = "observer"
	cfg.Device.Kind = config.DeviceWebSocket
	cfg.Device.URL = "ws://127.0.0.1:1/none"

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.Error(t, Run(ctx, cfg))
}

// recordingLink implements Link and records freed sessions.
type recordingLink struct {
	mu    sync.Mutex
	freed []uint32
}

func (l *recordingLink) Send(uint32, []byte) error { return nil }

func (l *recordingLink) FreeSession(id uint32) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.freed = append(l.freed, id)
}

func (l *recordingLink) Freed() []uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]uint32(nil), l.freed...)
}

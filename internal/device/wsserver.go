package device

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/1ureka/uartlink/internal/util"
)

// SerialPath is the HTTP path a SerialServer upgrades on.
const SerialPath = "/serial"

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// SerialServer exposes a local device to one remote link at a time over a
// WebSocket. It is the far end of DialWebSocket.
type SerialServer struct {
	open Opener
	pin  string

	busy     atomic.Bool
	listener net.Listener
	server   *http.Server
	wg       sync.WaitGroup

	mu     sync.Mutex
	active []Device // ends of the running relay, closed by Close
}

// NewSerialServer creates a server that opens the device with open for
// every client. A non-empty pin must be passed as the "pin" query value.
func NewSerialServer(open Opener, pin string) *SerialServer {
	return &SerialServer{open: open, pin: pin}
}

// Start begins listening on addr and returns the bound address.
func (s *SerialServer) Start(addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to start serial server: %w", err)
	}
	s.listener = listener

	mux := http.NewServeMux()
	mux.HandleFunc(SerialPath, s.handleWS)
	s.server = &http.Server{Handler: mux}

	go func() {
		_ = s.server.Serve(listener)
	}()

	util.LogInfo("serving serial line on ws://%s%s", listener.Addr(), SerialPath)
	return listener.Addr(), nil
}

func (s *SerialServer) handleWS(w http.ResponseWriter, r *http.Request) {
	if s.pin != "" && r.URL.Query().Get("pin") != s.pin {
		http.Error(w, "Invalid PIN", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	// The line carries one link; only one client may hold it.
	if !s.busy.CompareAndSwap(false, true) {
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "already connected"))
		conn.Close()
		return
	}
	defer s.busy.Store(false)

	s.wg.Add(1)
	defer s.wg.Done()

	dev, err := s.open(r.Context())
	if err != nil {
		util.LogWarning("serial server: %v", err)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "device unavailable"))
		conn.Close()
		return
	}

	ws := NewWebSocketDevice(conn)
	s.mu.Lock()
	s.active = []Device{dev, ws}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.active = nil
		s.mu.Unlock()
	}()

	util.LogInfo("serial client connected from %s", r.RemoteAddr)
	err = Relay(dev, ws)
	util.LogInfo("serial client %s left: %v", r.RemoteAddr, err)
}

// Close stops accepting clients and waits for the active relay to end.
func (s *SerialServer) Close() error {
	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(context.Background())

	// Shutdown does not touch hijacked connections.
	s.mu.Lock()
	for _, d := range s.active {
		d.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()
	return err
}

// Relay copies bytes both ways between a and b until either side fails,
// then closes both. It returns the first error.
func Relay(a, b Device) error {
	errCh := make(chan error, 2)
	pump := func(dst, src Device) {
		_, err := io.Copy(dst, src)
		if err == nil {
			err = io.EOF
		}
		errCh <- err
	}
	go pump(a, b)
	go pump(b, a)

	first := <-errCh
	closeErr := errors.Join(a.Close(), b.Close())
	<-errCh
	if closeErr != nil {
		util.Logf("relay close: %v", closeErr)
	}
	return first
}

// GeneratePIN returns a random numeric PIN of the specified length.
func GeneratePIN(length int) string {
	digits := make([]byte, length)
	for i := range digits {
		n, _ := rand.Int(rand.Reader, big.NewInt(10))
		digits[i] = byte('0') + byte(n.Int64())
	}
	return string(digits)
}

package device

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startSerialBridge runs a WebSocket endpoint that echoes every binary
// message back, split into single-byte messages to mimic a slow line.
func startSerialBridge(t *testing.T) string {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			for _, b := range msg {
				if err := conn.WriteMessage(websocket.BinaryMessage, []byte{b}); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestWebSocketDeviceIsAByteStream(t *testing.T) {
	url := startSerialBridge(t)

	dev, err := WebSocketOpener(url)(context.Background())
	require.NoError(t, err)
	defer dev.Close()

	n, err := dev.Write([]byte("hello uart"))
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	got := make([]byte, 10)
	_, err = io.ReadFull(dev, got)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello uart"), got)

	require.NoError(t, dev.Close())
	assert.NoError(t, dev.Close(), "Close is idempotent")

	_, err = dev.Read(got)
	assert.Error(t, err)
}

func TestDialWebSocketFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := DialWebSocket(ctx, "ws://127.0.0.1:1/none")
	assert.Error(t, err)
}

func TestSerialOpenerHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := SerialOpener("/dev/does-not-exist", DefaultSerialConfig())(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpenSerialMissingPort(t *testing.T) {
	_, err := OpenSerial("/dev/uartlink-test-missing", DefaultSerialConfig())
	assert.Error(t, err)
}

func TestPipe(t *testing.T) {
	a, b := Pipe()

	_, err := a.Write([]byte("ping"))
	require.NoError(t, err)
	_, err = a.Write([]byte("pong"))
	require.NoError(t, err)

	buf := make([]byte, 3)
	n, err := b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "pin", string(buf[:n]))

	rest := make([]byte, 16)
	n, err = b.Read(rest)
	require.NoError(t, err)
	assert.Equal(t, "gpong", string(rest[:n]))

	done := make(chan error, 1)
	go func() {
		_, err := b.Read(rest)
		done <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, a.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(time.Second):
		t.Fatal("Close did not unblock Read")
	}

	_, err = b.Write([]byte("late"))
	assert.ErrorIs(t, err, io.ErrClosedPipe)
}

package device

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/1ureka/uartlink/internal/util"
)

// wsDevice exposes a WebSocket carrying a remote serial line as a byte
// stream. Message boundaries carry no meaning; each Write becomes one
// binary message and Read drains messages back to back.
type wsDevice struct {
	conn *websocket.Conn

	rmu    sync.Mutex
	reader io.Reader

	wmu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewWebSocketDevice wraps an established WebSocket connection.
func NewWebSocketDevice(conn *websocket.Conn) Device {
	return &wsDevice{conn: conn}
}

// DialWebSocket connects to a serial-over-WebSocket bridge at url.
func DialWebSocket(ctx context.Context, url string) (Device, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial serial bridge %s: %w", url, err)
	}
	util.LogInfo("connected to serial bridge %s", url)
	return NewWebSocketDevice(conn), nil
}

// WebSocketOpener returns an Opener that dials url on every (re)open.
func WebSocketOpener(url string) Opener {
	return func(ctx context.Context) (Device, error) {
		return DialWebSocket(ctx, url)
	}
}

func (d *wsDevice) Read(p []byte) (int, error) {
	d.rmu.Lock()
	defer d.rmu.Unlock()

	for {
		if d.reader == nil {
			_, r, err := d.conn.NextReader()
			if err != nil {
				return 0, err
			}
			d.reader = r
		}
		n, err := d.reader.Read(p)
		if errors.Is(err, io.EOF) {
			d.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (d *wsDevice) Write(p []byte) (int, error) {
	d.wmu.Lock()
	defer d.wmu.Unlock()

	if err := d.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (d *wsDevice) Close() error {
	d.closeOnce.Do(func() {
		d.closeErr = d.conn.Close()
	})
	return d.closeErr
}

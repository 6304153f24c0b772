// Package device opens the physical byte pipes a link runs over: a local
// UART or a remote serial line bridged through a WebSocket.
package device

import (
	"context"
	"io"
)

// Device is an open physical link. Read may return (0, nil) when its read
// timeout elapses; callers treat that as "try again", not as EOF. Close
// must unblock a pending Read.
type Device interface {
	io.ReadWriteCloser
}

// Opener (re)opens a device. The link supervisor calls it every time the
// previous handle died.
type Opener func(ctx context.Context) (Device, error)

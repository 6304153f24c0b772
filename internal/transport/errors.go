package transport

import "errors"

var (
	ErrLinkStopped    = errors.New("transport: link stopped")
	ErrSessionNotLive = errors.New("transport: session not live")
)

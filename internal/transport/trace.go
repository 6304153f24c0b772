package transport

import (
	"fmt"

	"github.com/1ureka/uartlink/internal/util"
)

// trace is the per-packet debug line of a link, tagged with the session.
// Formatting is skipped unless debug logging is on.
func trace(sessionID uint32, format string, args ...interface{}) {
	if !util.DebugEnabled() {
		return
	}
	util.LogDebug("[%08x] %s", sessionID, fmt.Sprintf(format, args...))
}

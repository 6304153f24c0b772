package transport

import "time"

// TransferState is the retransmission state of one outbound package.
type TransferState uint8

const (
	TransferIdle      TransferState = iota
	TransferRequested               // waiting for the writer loop
	TransferSent                    // on the wire, response timer armed
	TransferAcked                   // terminal
	TransferTimedOut                // timer elapsed, ready to resend
)

func (s TransferState) String() string {
	switch s {
	case TransferIdle:
		return "idle"
	case TransferRequested:
		return "requested"
	case TransferSent:
		return "sent"
	case TransferAcked:
		return "acked"
	case TransferTimedOut:
		return "timed-out"
	default:
		return "unknown"
	}
}

// transfer drives one package through Idle -> Requested -> Sent ->
// {Acked | TimedOut -> Requested}. It is not safe for concurrent use;
// the Outbox lock guards it.
type transfer struct {
	state    TransferState
	timeout  time.Duration
	deadline time.Time
}

// Request marks the package as wanting transmission.
func (t *transfer) Request() {
	if t.state != TransferAcked {
		t.state = TransferRequested
	}
}

// Sent arms the response timer.
func (t *transfer) Sent(now time.Time) {
	t.state = TransferSent
	t.deadline = now.Add(t.timeout)
}

// Ack moves the transfer to its terminal state.
func (t *transfer) Ack() {
	t.state = TransferAcked
}

// Wait is the writer loop's poll. It reports whether the package must be
// put on the wire now: either it was requested, or its timer elapsed, in
// which case the transfer flips to TimedOut.
func (t *transfer) Wait(now time.Time) bool {
	switch t.state {
	case TransferRequested, TransferTimedOut:
		return true
	case TransferSent:
		if now.Before(t.deadline) {
			return false
		}
		t.state = TransferTimedOut
		return true
	default:
		return false
	}
}

// Deadline returns the armed timer and whether one is armed.
func (t *transfer) Deadline() (time.Time, bool) {
	return t.deadline, t.state == TransferSent
}

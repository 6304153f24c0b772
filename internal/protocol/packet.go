// Package protocol defines the UART wire header, option flags and the
// checksum-guarded packet codec shared by both ends of a link.
package protocol

import "fmt"

// Magic is the two-byte marker that starts every wire header.
var Magic = [2]byte{'U', 'L'}

// Header field offsets. The layout is packed and little-endian:
// flag[2] | sessionId u32 | dataSize u32 | packageIndex u32 | option u8 | checksum u32.
const (
	offFlag         = 0
	offSessionID    = 2
	offDataSize     = 6
	offPackageIndex = 10
	offOption       = 14
	offChecksum     = 15

	// HeaderSize is the fixed header size in bytes.
	HeaderSize = 19
)

// MaxPacketSize bounds a single wire packet (header included) and the
// device I/O buffer. A header's DataSize must be strictly below it.
const MaxPacketSize = 4096

// MaxChunkSize is the largest payload a single data packet can carry.
const MaxChunkSize = MaxPacketSize - HeaderSize

// Option is a bit set carried in the header's option byte.
type Option uint8

// Option bits. They are independent flags, not an enum: a control packet
// may carry FREE with no payload and no other bit.
const (
	OptTail  Option = 1 << 0 // last fragment of a logical message
	OptReset Option = 1 << 1 // peer must discard its session state
	OptAck   Option = 1 << 2 // positive acknowledgment of PackageIndex
	OptNak   Option = 1 << 3 // negative acknowledgment of PackageIndex
	OptFree  Option = 1 << 4 // release of transport resources on teardown
)

// Has reports whether every bit of flag is set in o.
func (o Option) Has(flag Option) bool { return o&flag == flag }

// IsResponse reports whether o acknowledges a previously sent package.
func (o Option) IsResponse() bool { return o&(OptAck|OptNak) != 0 }

func (o Option) String() string {
	names := []struct {
		bit  Option
		name string
	}{
		{OptTail, "TAIL"},
		{OptReset, "RESET"},
		{OptAck, "ACK"},
		{OptNak, "NAK"},
		{OptFree, "FREE"},
	}
	s := ""
	for _, n := range names {
		if o&n.bit == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += n.name
	}
	if s == "" {
		return "DATA"
	}
	return s
}

// Header is the decoded fixed-size wire header.
type Header struct {
	Flag         [2]byte
	SessionID    uint32
	DataSize     uint32
	PackageIndex uint32
	Option       Option
	Checksum     uint32
}

func (h Header) String() string {
	return fmt.Sprintf("session=%08x index=%d size=%d option=%s", h.SessionID, h.PackageIndex, h.DataSize, h.Option)
}

// Packet is a header plus the payload it frames.
type Packet struct {
	Header  Header
	Payload []byte
}

// IsControl reports whether the packet carries protocol control semantics
// (ACK, NAK, RESET or FREE) rather than session data.
func (p *Packet) IsControl() bool {
	return p.Header.Option&(OptAck|OptNak|OptReset|OptFree) != 0
}

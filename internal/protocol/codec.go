package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/spaolacci/murmur3"
)

// Checksum computes the murmur3 (x86, 32-bit, seed 0) hash over the header
// bytes preceding the checksum field followed by the payload.
func Checksum(header []byte, payload []byte) uint32 {
	h := murmur3.New32()
	h.Write(header[:offChecksum])
	h.Write(payload)
	return h.Sum32()
}

// Encode serializes a packet for transmission. DataSize and Checksum are
// computed from the payload; the caller-supplied values are ignored.
func Encode(pkt *Packet) []byte {
	buf := make([]byte, HeaderSize+len(pkt.Payload))
	h := pkt.Header
	h.Flag = Magic
	h.DataSize = uint32(len(pkt.Payload))
	putHeader(buf, h)
	copy(buf[HeaderSize:], pkt.Payload)
	binary.LittleEndian.PutUint32(buf[offChecksum:HeaderSize], Checksum(buf[:HeaderSize], pkt.Payload))
	return buf
}

// EncodeControl builds a payload-less control packet (ACK, NAK, RESET, FREE).
func EncodeControl(sessionID, packageIndex uint32, option Option) []byte {
	return Encode(&Packet{Header: Header{
		SessionID:    sessionID,
		PackageIndex: packageIndex,
		Option:       option,
	}})
}

func putHeader(buf []byte, h Header) {
	buf[offFlag] = h.Flag[0]
	buf[offFlag+1] = h.Flag[1]
	binary.LittleEndian.PutUint32(buf[offSessionID:], h.SessionID)
	binary.LittleEndian.PutUint32(buf[offDataSize:], h.DataSize)
	binary.LittleEndian.PutUint32(buf[offPackageIndex:], h.PackageIndex)
	buf[offOption] = byte(h.Option)
	binary.LittleEndian.PutUint32(buf[offChecksum:], h.Checksum)
}

// DecodeHeader reads the raw header fields without validating them.
func DecodeHeader(b []byte) (Header, error) {
	if len(b) < HeaderSize {
		return Header{}, fmt.Errorf("protocol: header too short: %d bytes (need %d)", len(b), HeaderSize)
	}
	return Header{
		Flag:         [2]byte{b[offFlag], b[offFlag+1]},
		SessionID:    binary.LittleEndian.Uint32(b[offSessionID:]),
		DataSize:     binary.LittleEndian.Uint32(b[offDataSize:]),
		PackageIndex: binary.LittleEndian.Uint32(b[offPackageIndex:]),
		Option:       Option(b[offOption]),
		Checksum:     binary.LittleEndian.Uint32(b[offChecksum:]),
	}, nil
}

// HasMagic reports whether b starts with the header marker.
func HasMagic(b []byte) bool {
	return len(b) >= len(Magic) && b[0] == Magic[0] && b[1] == Magic[1]
}

// Validate checks the packet that starts at buf[0].
//
// It returns ErrNeedMoreData while the header or the declared payload is
// still incomplete, ErrBadMagic for noise, ErrBufferOverflow when DataSize
// is not strictly below MaxPacketSize and ErrBadChecksum when the checksum
// does not match. Only a nil error makes the header fields trustworthy;
// with ErrBadChecksum the returned header is only good for addressing a NAK.
func Validate(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrNeedMoreData
	}
	if !HasMagic(buf) {
		return Header{}, ErrBadMagic
	}
	h, err := DecodeHeader(buf)
	if err != nil {
		return Header{}, err
	}
	if h.DataSize >= MaxPacketSize {
		return Header{}, ErrBufferOverflow
	}
	end := HeaderSize + int(h.DataSize)
	if len(buf) < end {
		return Header{}, ErrNeedMoreData
	}
	if Checksum(buf[:HeaderSize], buf[HeaderSize:end]) != h.Checksum {
		return h, ErrBadChecksum
	}
	return h, nil
}

// Decode validates buf and returns the packet with a copied payload.
func Decode(buf []byte) (*Packet, error) {
	h, err := Validate(buf)
	if err != nil {
		return nil, err
	}
	pkt := &Packet{Header: h}
	if h.DataSize > 0 {
		pkt.Payload = make([]byte, h.DataSize)
		copy(pkt.Payload, buf[HeaderSize:HeaderSize+int(h.DataSize)])
	}
	return pkt, nil
}

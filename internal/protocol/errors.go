package protocol

import "errors"

var (
	// ErrNeedMoreData is not a failure: the caller keeps accumulating bytes.
	ErrNeedMoreData = errors.New("protocol: need more data")
	// ErrBadMagic means the bytes do not start with a header. Nothing in
	// them can be trusted, so no response can be addressed.
	ErrBadMagic = errors.New("protocol: bad magic")
	// ErrBadChecksum means a readable header failed checksum verification.
	// The session id is still usable to address a NAK.
	ErrBadChecksum = errors.New("protocol: checksum mismatch")
	// ErrBufferOverflow means the declared data size is not below MaxPacketSize.
	ErrBufferOverflow = errors.New("protocol: declared size out of bound")
	// ErrSoftReset is returned for a valid RESET packet; no payload is delivered.
	ErrSoftReset = errors.New("protocol: soft reset")
)

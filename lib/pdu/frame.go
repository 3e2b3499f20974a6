package pdu

import (
	"encoding/binary"
	"fmt"
)

// ErrorKind classifies framing violations. The set is closed, callers switch
// on it.
type ErrorKind uint8

const (
	// KindLengthTooSmall means the declared length is below the header size
	KindLengthTooSmall ErrorKind = iota + 1
	// KindLengthTooLarge means the declared length exceeds the configured maximum
	KindLengthTooLarge
	// KindLengthMismatch means a frame handed to Decode disagrees with its header
	KindLengthMismatch
)

func (k ErrorKind) String() string {
	switch k {
	case KindLengthTooSmall:
		return "length too small"
	case KindLengthTooLarge:
		return "length too large"
	case KindLengthMismatch:
		return "length mismatch"
	default:
		return "unknown"
	}
}

// FrameError is a protocol violation detected while cutting frames out of a
// byte stream. It is always fatal for the connection.
type FrameError struct {
	Kind   ErrorKind
	Length uint32 // declared length
	Limit  uint32 // bound that was violated
}

func (e *FrameError) Error() string {
	return fmt.Sprintf("pdu: %s (declared %d, limit %d)", e.Kind, e.Length, e.Limit)
}

// Available inspects the start of buf. It returns the size of the first
// frame if it is completely present, 0 if more bytes are needed, or a
// *FrameError if the header declares an impossible length. maxLen == 0
// disables the upper bound.
func Available(buf []byte, maxLen uint32) (int, error) {
	if len(buf) < HeaderLen {
		return 0, nil
	}

	length := binary.BigEndian.Uint32(buf)
	if length < HeaderLen {
		return 0, &FrameError{Kind: KindLengthTooSmall, Length: length, Limit: HeaderLen}
	}
	if maxLen > 0 && length > maxLen {
		return 0, &FrameError{Kind: KindLengthTooLarge, Length: length, Limit: maxLen}
	}
	if uint64(len(buf)) < uint64(length) {
		return 0, nil
	}
	return int(length), nil
}

// Decode parses one complete frame. The body is copied, the returned PDU
// does not alias frame.
func Decode(frame []byte) (*PDU, error) {
	if len(frame) < HeaderLen {
		return nil, &FrameError{Kind: KindLengthTooSmall, Length: uint32(len(frame)), Limit: HeaderLen}
	}

	h := DecodeHeader(frame)
	if int64(h.Length) != int64(len(frame)) {
		return nil, &FrameError{Kind: KindLengthMismatch, Length: h.Length, Limit: uint32(len(frame))}
	}

	p := &PDU{Header: h}
	if n := len(frame) - HeaderLen; n > 0 {
		p.Body = make([]byte, n)
		copy(p.Body, frame[HeaderLen:])
	}
	return p, nil
}

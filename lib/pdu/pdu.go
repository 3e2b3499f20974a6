// Package pdu implements the framed wire unit exchanged between the proxy and
// its peers.
//
// Every PDU starts with a fixed 16 byte header, all fields big-endian:
//
//	offset  size  field
//	0       4     length      total length including the header
//	4       2     version     always 1
//	6       2     flag
//	8       2     service id
//	10      2     command id
//	12      2     sequence number
//	14      2     reserved
//
// followed by length-16 body bytes. The body is opaque to the transport
// except for the two control PDUs in control.go.
package pdu

import (
	"encoding/binary"
	"fmt"
)

const (
	// HeaderLen is the size of the fixed header
	HeaderLen = 16
	// Version is the only header version the proxy speaks
	Version uint16 = 1
	// DefaultMaxLength bounds the declared length of inbound PDUs
	DefaultMaxLength uint32 = 16 << 20
)

// Header is the decoded fixed header
type Header struct {
	Length    uint32
	Version   uint16
	Flag      uint16
	ServiceID uint16
	CommandID uint16
	SeqNum    uint16
	Reserved  uint16
}

// Encode writes the header into dst, which must hold at least HeaderLen bytes.
func (h *Header) Encode(dst []byte) {
	_ = dst[HeaderLen-1]
	binary.BigEndian.PutUint32(dst[0:], h.Length)
	binary.BigEndian.PutUint16(dst[4:], h.Version)
	binary.BigEndian.PutUint16(dst[6:], h.Flag)
	binary.BigEndian.PutUint16(dst[8:], h.ServiceID)
	binary.BigEndian.PutUint16(dst[10:], h.CommandID)
	binary.BigEndian.PutUint16(dst[12:], h.SeqNum)
	binary.BigEndian.PutUint16(dst[14:], h.Reserved)
}

// DecodeHeader parses the first HeaderLen bytes of src.
func DecodeHeader(src []byte) Header {
	_ = src[HeaderLen-1]
	return Header{
		Length:    binary.BigEndian.Uint32(src[0:]),
		Version:   binary.BigEndian.Uint16(src[4:]),
		Flag:      binary.BigEndian.Uint16(src[6:]),
		ServiceID: binary.BigEndian.Uint16(src[8:]),
		CommandID: binary.BigEndian.Uint16(src[10:]),
		SeqNum:    binary.BigEndian.Uint16(src[12:]),
		Reserved:  binary.BigEndian.Uint16(src[14:]),
	}
}

func (h Header) String() string {
	return fmt.Sprintf("{len=%d ver=%d flag=%#04x sid=%#04x cid=%#04x seq=%d}",
		h.Length, h.Version, h.Flag, h.ServiceID, h.CommandID, h.SeqNum)
}

// PDU is a header plus its body. A PDU owns its body, decoded PDUs never
// alias a connection buffer.
type PDU struct {
	Header
	Body []byte
}

// New creates a PDU for the given service and command. The length field is
// filled in when the PDU is encoded.
func New(serviceID, commandID uint16, body []byte) *PDU {
	return &PDU{
		Header: Header{
			Version:   Version,
			ServiceID: serviceID,
			CommandID: commandID,
		},
		Body: body,
	}
}

// NewResponse creates a PDU answering req. Service id, command id and
// sequence number are copied so the peer can correlate the answer.
func NewResponse(req *PDU, body []byte) *PDU {
	p := New(req.ServiceID, req.CommandID, body)
	p.SeqNum = req.SeqNum
	p.Flag = req.Flag
	return p
}

// Len returns the encoded size
func (p *PDU) Len() int { return HeaderLen + len(p.Body) }

// IsHeartbeat reports whether p is a keepalive
func (p *PDU) IsHeartbeat() bool {
	return p.CommandID == CommandHeartbeat
}

// AppendTo appends the encoded PDU to dst and returns the extended slice.
// The length field is set from the body size.
func (p *PDU) AppendTo(dst []byte) []byte {
	p.Length = uint32(p.Len())
	if p.Version == 0 {
		p.Version = Version
	}

	start := len(dst)
	dst = append(dst, make([]byte, HeaderLen)...)
	p.Header.Encode(dst[start:])
	return append(dst, p.Body...)
}

// Bytes returns the encoded PDU in a fresh slice
func (p *PDU) Bytes() []byte {
	return p.AppendTo(make([]byte, 0, p.Len()))
}

func (p *PDU) String() string {
	return fmt.Sprintf("%s+%dB", p.Header.String(), len(p.Body))
}

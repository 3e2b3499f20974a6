package client

import (
	"io"
	"net"

	"github.com/ValentinKolb/dProxy/lib/pdu"
)

// writePDU writes p as one frame. Header and body go out in a single
// writev, the body is not copied.
func writePDU(conn net.Conn, p *pdu.PDU) error {
	p.Length = uint32(p.Len())
	if p.Version == 0 {
		p.Version = pdu.Version
	}

	header := make([]byte, pdu.HeaderLen)
	p.Header.Encode(header)

	b := net.Buffers{header, p.Body}
	_, err := b.WriteTo(conn)
	return err
}

// readPDU reads exactly one frame. A declared length outside
// [HeaderLen, maxLen] is returned as *pdu.FrameError, maxLen 0 disables the
// upper bound.
func readPDU(r io.Reader, maxLen uint32) (*pdu.PDU, error) {
	header := make([]byte, pdu.HeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	if _, err := pdu.Available(header, maxLen); err != nil {
		return nil, err
	}

	h := pdu.DecodeHeader(header)
	p := &pdu.PDU{Header: h}
	if n := int(h.Length) - pdu.HeaderLen; n > 0 {
		p.Body = make([]byte, n)
		if _, err := io.ReadFull(r, p.Body); err != nil {
			return nil, err
		}
	}
	return p, nil
}

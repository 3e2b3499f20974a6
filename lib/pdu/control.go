package pdu

import (
	"errors"
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// Service and command ids of the transport level control messages.
const (
	ServiceOther       uint16 = 0x0007
	CommandHeartbeat   uint16 = 0x0701
	CommandStopReceive uint16 = 0x0702
)

// stop receive body: message { uint32 result = 1; }
const stopReceiveResultField protowire.Number = 1

// NewHeartbeat creates a keepalive PDU. The body is an empty protobuf message.
func NewHeartbeat() *PDU {
	return New(ServiceOther, CommandHeartbeat, nil)
}

// NewStopReceive creates the PDU that tells a peer to stop sending requests
// because the proxy is going away.
func NewStopReceive(result uint32) *PDU {
	body := protowire.AppendTag(nil, stopReceiveResultField, protowire.VarintType)
	body = protowire.AppendVarint(body, uint64(result))
	return New(ServiceOther, CommandStopReceive, body)
}

// IsStopReceive reports whether p is a stop receive notification
func (p *PDU) IsStopReceive() bool {
	return p.ServiceID == ServiceOther && p.CommandID == CommandStopReceive
}

// ParseStopReceive extracts the result code of a stop receive body. Unknown
// fields are skipped.
func ParseStopReceive(body []byte) (uint32, error) {
	var result uint32
	for len(body) > 0 {
		num, typ, n := protowire.ConsumeTag(body)
		if n < 0 {
			return 0, fmt.Errorf("pdu: bad stop receive tag: %w", protowire.ParseError(n))
		}
		body = body[n:]

		if num == stopReceiveResultField && typ == protowire.VarintType {
			v, m := protowire.ConsumeVarint(body)
			if m < 0 {
				return 0, fmt.Errorf("pdu: bad stop receive result: %w", protowire.ParseError(m))
			}
			if v > 0xFFFFFFFF {
				return 0, errors.New("pdu: stop receive result overflows uint32")
			}
			result = uint32(v)
			body = body[m:]
			continue
		}

		m := protowire.ConsumeFieldValue(num, typ, body)
		if m < 0 {
			return 0, fmt.Errorf("pdu: bad stop receive field %d: %w", num, protowire.ParseError(m))
		}
		body = body[m:]
	}
	return result, nil
}

package pdu

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"
)

func TestEncodeLayout(t *testing.T) {
	p := New(0x0003, 0x0301, []byte("abc"))
	p.SeqNum = 9
	p.Flag = 2

	raw := p.Bytes()
	want := []byte{
		0x00, 0x00, 0x00, 0x13, // length 19
		0x00, 0x01, // version
		0x00, 0x02, // flag
		0x00, 0x03, // service
		0x03, 0x01, // command
		0x00, 0x09, // seq
		0x00, 0x00, // reserved
		'a', 'b', 'c',
	}
	assert.Equal(t, want, raw)
	assert.Equal(t, uint32(19), p.Length)
}

func TestDecodeCopiesBody(t *testing.T) {
	raw := New(1, 2, []byte("payload")).Bytes()

	p, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), p.ServiceID)
	assert.Equal(t, uint16(2), p.CommandID)
	assert.Equal(t, Version, p.Version)

	// mutating the source must not affect the decoded PDU
	raw[HeaderLen] = 'X'
	assert.Equal(t, []byte("payload"), p.Body)
}

func TestDecodeLengthMismatch(t *testing.T) {
	raw := New(1, 2, []byte("payload")).Bytes()

	_, err := Decode(raw[:len(raw)-1])
	var fe *FrameError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, KindLengthMismatch, fe.Kind)
}

func TestNewResponseCorrelates(t *testing.T) {
	req := New(0x0004, 0x0401, nil)
	req.SeqNum = 77

	resp := NewResponse(req, []byte("ok"))
	assert.Equal(t, req.ServiceID, resp.ServiceID)
	assert.Equal(t, req.CommandID, resp.CommandID)
	assert.Equal(t, uint16(77), resp.SeqNum)
}

func TestAvailable(t *testing.T) {
	frame := New(1, 1, make([]byte, 24)).Bytes() // 40 bytes

	tests := []struct {
		name string
		buf  []byte
		want int
	}{
		{"empty", nil, 0},
		{"partial header", frame[:10], 0},
		{"header only", frame[:HeaderLen], 0},
		{"partial body", frame[:39], 0},
		{"complete", frame, 40},
		{"complete with trailing bytes", append(append([]byte{}, frame...), frame[:5]...), 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := Available(tt.buf, DefaultMaxLength)
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
		})
	}
}

func TestAvailableRejectsBadLengths(t *testing.T) {
	small := New(1, 1, nil).Bytes()
	small[3] = 8 // declared length below the header size

	_, err := Available(small, DefaultMaxLength)
	var fe *FrameError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, KindLengthTooSmall, fe.Kind)

	// only the header of an oversized frame is needed to reject it
	large := New(1, 1, make([]byte, 100)).Bytes()[:HeaderLen]
	_, err = Available(large, 64)
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, KindLengthTooLarge, fe.Kind)
	assert.Equal(t, uint32(116), fe.Length)
	assert.Equal(t, uint32(64), fe.Limit)

	// no limit configured
	n, err := Available(New(1, 1, make([]byte, 100)).Bytes(), 0)
	require.NoError(t, err)
	assert.Equal(t, 116, n)
}

func TestControlPDUs(t *testing.T) {
	hb := NewHeartbeat()
	assert.True(t, hb.IsHeartbeat())
	assert.Equal(t, ServiceOther, hb.ServiceID)
	assert.Empty(t, hb.Body)

	stop := NewStopReceive(0)
	assert.True(t, stop.IsStopReceive())
	result, err := ParseStopReceive(stop.Body)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), result)

	// unknown fields in front of the result are skipped
	body := protowire.AppendTag(nil, 5, protowire.BytesType)
	body = protowire.AppendBytes(body, []byte("ignored"))
	body = append(body, NewStopReceive(3).Body...)
	result, err = ParseStopReceive(body)
	require.NoError(t, err)
	assert.Equal(t, uint32(3), result)

	_, err = ParseStopReceive([]byte{0x08})
	assert.Error(t, err)
}

func TestAppendToReusesDestination(t *testing.T) {
	a := New(1, 1, []byte("one"))
	b := New(1, 2, []byte("two"))

	stream := b.AppendTo(a.AppendTo(nil))

	n, err := Available(stream, 0)
	require.NoError(t, err)
	first, err := Decode(stream[:n])
	require.NoError(t, err)
	second, err := Decode(stream[n:])
	require.NoError(t, err)

	assert.True(t, bytes.Equal(first.Body, []byte("one")))
	assert.True(t, bytes.Equal(second.Body, []byte("two")))
}

package client

import (
	"bufio"
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/ValentinKolb/dProxy/lib/pdu"
	"github.com/ValentinKolb/dProxy/rpc/common"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// peer is a scripted server side. Every accepted PDU is passed to handle,
// which may write back on the connection.
func peer(t *testing.T, handle func(conn net.Conn, p *pdu.PDU)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				r := bufio.NewReader(conn)
				for {
					p, err := readPDU(r, 0)
					if err != nil {
						return
					}
					handle(conn, p)
				}
			}()
		}
	}()
	return ln.Addr().String()
}

func testConfig(addr string) common.ClientConfig {
	cfg := common.DefaultClientConfig()
	cfg.Endpoint = addr
	cfg.Timeout = 2 * time.Second
	cfg.HeartbeatInterval = 0
	return cfg
}

func TestReadWritePDU(t *testing.T) {
	var buf bytes.Buffer
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	go func() {
		_ = writePDU(client, pdu.New(3, 4, []byte("body")))
	}()
	p, err := readPDU(server, 0)
	require.NoError(t, err)
	assert.Equal(t, uint16(3), p.ServiceID)
	assert.Equal(t, uint16(4), p.CommandID)
	assert.Equal(t, uint32(pdu.HeaderLen+4), p.Length)
	assert.Equal(t, []byte("body"), p.Body)

	// oversized frames are rejected from the header alone
	buf.Write(pdu.New(1, 1, make([]byte, 100)).Bytes())
	_, err = readPDU(&buf, 64)
	var fe *pdu.FrameError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, pdu.KindLengthTooLarge, fe.Kind)
}

func TestCallMatchesSequenceNumbers(t *testing.T) {
	addr := peer(t, func(conn net.Conn, p *pdu.PDU) {
		// an unsolicited PDU first, then the answer
		_ = writePDU(conn, pdu.New(9, 9, []byte("noise")))
		_ = writePDU(conn, pdu.NewResponse(p, p.Body))
	})

	c, err := Dial(testConfig(addr))
	require.NoError(t, err)
	defer c.Close()

	for i := 0; i < 3; i++ {
		req := pdu.New(1, 2, []byte{byte(i)})
		resp, err := c.Call(context.Background(), req)
		require.NoError(t, err)
		assert.NotZero(t, req.SeqNum)
		assert.Equal(t, req.SeqNum, resp.SeqNum)
		assert.Equal(t, []byte{byte(i)}, resp.Body)
	}

	n := <-c.Notifications()
	assert.Equal(t, []byte("noise"), n.Body)
}

func TestSequenceNumberSkipsZero(t *testing.T) {
	c := &Client{}
	c.pending = xsync.NewMapOf[uint16, chan *pdu.PDU]()
	c.nextSeq.Store(0xFFFF)

	first := c.register(make(chan *pdu.PDU, 1))
	assert.Equal(t, uint16(1), first, "0 is reserved")

	c.nextSeq.Store(0)
	second := c.register(make(chan *pdu.PDU, 1))
	assert.Equal(t, uint16(2), second, "1 is still pending")
}

func TestCallTimeout(t *testing.T) {
	addr := peer(t, func(net.Conn, *pdu.PDU) {})

	cfg := testConfig(addr)
	cfg.Timeout = 50 * time.Millisecond
	c, err := Dial(cfg)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Call(context.Background(), pdu.New(1, 1, nil))
	assert.ErrorIs(t, err, ErrTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Call(ctx, pdu.New(1, 1, nil))
	assert.Error(t, err)
}

func TestHeartbeatsAreSentAndSwallowed(t *testing.T) {
	got := make(chan *pdu.PDU, 16)
	addr := peer(t, func(conn net.Conn, p *pdu.PDU) {
		select {
		case got <- p:
		default:
		}
		_ = writePDU(conn, pdu.NewHeartbeat())
		_ = writePDU(conn, pdu.NewStopReceive(0))
	})

	cfg := testConfig(addr)
	cfg.HeartbeatInterval = 20 * time.Millisecond
	c, err := Dial(cfg)
	require.NoError(t, err)
	defer c.Close()

	select {
	case p := <-got:
		assert.True(t, p.IsHeartbeat())
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat sent")
	}

	n := <-c.Notifications()
	assert.True(t, n.IsStopReceive(), "heartbeats are not notifications")
}

func TestCloseEndsEverything(t *testing.T) {
	addr := peer(t, func(net.Conn, *pdu.PDU) {})

	c, err := Dial(testConfig(addr))
	require.NoError(t, err)
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, open := <-c.Notifications()
	assert.False(t, open)
	<-c.Done()

	_, err = c.Call(context.Background(), pdu.New(1, 1, nil))
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, c.Send(pdu.New(1, 1, nil)), ErrClosed)
}

func TestPeerCloseIsReported(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			_ = conn.Close()
		}
	}()

	c, err := Dial(testConfig(ln.Addr().String()))
	require.NoError(t, err)
	defer c.Close()

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("peer close not noticed")
	}
	assert.Error(t, c.Err())
}

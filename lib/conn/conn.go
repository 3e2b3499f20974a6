// Package conn implements a framed connection on top of a netlib socket.
//
// A Conn owns an inbound and an outbound buffer. OnRead drains the socket
// into the inbound buffer and hands every complete PDU to its Handler, in
// arrival order. Send writes directly to the socket while nothing is queued,
// everything the kernel does not take is buffered and flushed from OnWrite,
// so bytes always leave in the order they were sent.
//
// A Conn is driven by exactly one goroutine (the event loop) and is not safe
// for concurrent use.
package conn

import (
	"errors"
	"io"
	"time"

	"github.com/ValentinKolb/dProxy/lib/buffer"
	"github.com/ValentinKolb/dProxy/lib/netlib"
	"github.com/ValentinKolb/dProxy/lib/pdu"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/valyala/bytebufferpool"
)

// Logger is the logger of the connection layer
var Logger = logger.GetLogger("conn")

const (
	// ReadChunkSize is the minimum free space offered to a single receive
	ReadChunkSize = 2048
	// MaxSendChunkSize bounds a single send call
	MaxSendChunkSize = 128 * 1024
)

// SocketIO is the part of the network layer a connection needs.
// *netlib.NetLib implements it.
type SocketIO interface {
	Send(h netlib.Handle, p []byte) (int, error)
	Recv(h netlib.Handle, p []byte) (int, error)
	Close(h netlib.Handle) error
}

// Handler receives what a connection parsed or detected
type Handler interface {
	// OnFrame is called for every complete PDU. frame aliases the inbound
	// buffer and is only valid during the call.
	OnFrame(frame []byte)
	// OnFrameError is called when the peer violated the framing. No further
	// frames of this read are delivered. The handler is expected to close.
	OnFrameError(err *pdu.FrameError)
	// OnClose is called when the socket failed or the peer went away
	OnClose()
}

// WriteCompleter is implemented by handlers that want to know when a
// direct Send went out completely
type WriteCompleter interface {
	OnWriteComplete()
}

// Confirmer is implemented by handlers of outbound connections
type Confirmer interface {
	OnConfirm()
}

// Config tunes a connection
type Config struct {
	// MaxPDULength bounds the declared length of inbound PDUs, 0 disables the check
	MaxPDULength uint32
	// Now is the clock, defaults to time.Now
	Now func() time.Time
}

// Conn is a framed connection
type Conn struct {
	io      SocketIO
	handle  netlib.Handle
	handler Handler

	in  *buffer.Buffer
	out *buffer.Buffer

	busy      bool
	closed    bool
	failed    bool // a send failed hard, the handler was told to close
	lastSend  time.Time
	lastRecv  time.Time
	recvBytes uint64
	sentBytes uint64

	maxPDU uint32
	now    func() time.Time
}

// New creates a connection for socket h. Both activity timestamps start at now.
func New(io SocketIO, h netlib.Handle, handler Handler, cfg Config) *Conn {
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	t := now()
	return &Conn{
		io:       io,
		handle:   h,
		handler:  handler,
		in:       buffer.New(ReadChunkSize),
		out:      buffer.New(0),
		lastSend: t,
		lastRecv: t,
		maxPDU:   cfg.MaxPDULength,
		now:      now,
	}
}

// Handle returns the socket handle
func (c *Conn) Handle() netlib.Handle { return c.handle }

// Busy reports whether outbound bytes are waiting for writable readiness
func (c *Conn) Busy() bool { return c.busy }

// Closed reports whether Close was called
func (c *Conn) Closed() bool { return c.closed }

// Pending returns the number of buffered outbound bytes
func (c *Conn) Pending() int { return c.out.Len() }

// RecvBytes returns the number of bytes received so far
func (c *Conn) RecvBytes() uint64 { return c.recvBytes }

// SentBytes returns the number of bytes handed to the socket so far
func (c *Conn) SentBytes() uint64 { return c.sentBytes }

// LastSend returns the time of the last Send call
func (c *Conn) LastSend() time.Time { return c.lastSend }

// LastRecv returns the time bytes were last received
func (c *Conn) LastRecv() time.Time { return c.lastRecv }

// --------------------------------------------------------------------------
// Outbound
// --------------------------------------------------------------------------

// Send queues data for the peer and returns len(data). While the connection
// is idle the data is written directly in chunks of at most
// MaxSendChunkSize, whatever the socket does not accept is buffered. While
// the connection is busy everything is appended to the buffer. A closed
// connection drops the data and returns 0. A send error other than a full
// socket buffer drops the data, returns 0 and reports OnClose.
func (c *Conn) Send(data []byte) int {
	if c.closed || c.failed {
		return 0
	}
	c.lastSend = c.now()

	if c.busy {
		_, _ = c.out.Write(data)
		return len(data)
	}

	offset := 0
	remain := len(data)
	for remain > 0 {
		size := remain
		if size > MaxSendChunkSize {
			size = MaxSendChunkSize
		}
		n, err := c.io.Send(c.handle, data[offset:offset+size])
		if err != nil {
			c.fail(err)
			return 0
		}
		if n <= 0 {
			break
		}
		c.sentBytes += uint64(n)
		offset += n
		remain -= n
	}

	if remain > 0 {
		_, _ = c.out.Write(data[offset:])
		c.busy = true
		Logger.Debugf("send busy on %d, queued=%d", c.handle, remain)
	} else if wc, ok := c.handler.(WriteCompleter); ok {
		wc.OnWriteComplete()
	}
	return len(data)
}

// SendPDU encodes p and sends it
func (c *Conn) SendPDU(p *pdu.PDU) int {
	bb := bytebufferpool.Get()
	defer bytebufferpool.Put(bb)

	bb.B = p.AppendTo(bb.B[:0])
	return c.Send(bb.B)
}

// OnWrite flushes the outbound buffer. Called on writable readiness.
func (c *Conn) OnWrite() {
	if !c.busy || c.closed || c.failed {
		return
	}

	for c.out.Len() > 0 {
		size := c.out.Len()
		if size > MaxSendChunkSize {
			size = MaxSendChunkSize
		}
		n, err := c.io.Send(c.handle, c.out.Bytes()[:size])
		if err != nil {
			c.fail(err)
			return
		}
		if n <= 0 {
			break
		}
		c.sentBytes += uint64(n)
		c.out.Consume(n)
	}

	if c.out.Len() == 0 {
		c.busy = false
	}
	Logger.Debugf("onWrite on %d, remain=%d", c.handle, c.out.Len())
}

// fail drops the outbound bytes after a hard send error and reports the
// connection as dead, exactly once
func (c *Conn) fail(err error) {
	Logger.Warningf("send on %d failed, dropping %d queued bytes: %v", c.handle, c.out.Len(), err)
	c.failed = true
	c.busy = false
	c.out.Reset()
	if !c.closed {
		c.handler.OnClose()
	}
}

// --------------------------------------------------------------------------
// Inbound
// --------------------------------------------------------------------------

// OnRead drains the socket and delivers all complete frames. Peer close or a
// hard receive error is reported through OnClose after the frames that
// arrived before it were delivered.
func (c *Conn) OnRead() {
	if c.closed {
		return
	}

	var readErr error
	for {
		if c.in.Free() < ReadChunkSize {
			c.in.Extend(ReadChunkSize)
		}
		n, err := c.io.Recv(c.handle, c.in.Tail())
		if err != nil {
			if !errors.Is(err, netlib.ErrWouldBlock) {
				readErr = err
			}
			break
		}
		if n <= 0 {
			break
		}
		c.recvBytes += uint64(n)
		c.in.Commit(n)
		c.lastRecv = c.now()
	}

	c.deliver()

	if readErr != nil && !c.closed {
		if errors.Is(readErr, io.EOF) {
			Logger.Debugf("peer closed %d", c.handle)
		} else {
			Logger.Warningf("receive on %d failed: %v", c.handle, readErr)
		}
		c.handler.OnClose()
	}
}

// deliver cuts complete frames off the inbound buffer
func (c *Conn) deliver() {
	for !c.closed {
		n, err := pdu.Available(c.in.Bytes(), c.maxPDU)
		if err != nil {
			var fe *pdu.FrameError
			if errors.As(err, &fe) {
				c.handler.OnFrameError(fe)
			}
			return
		}
		if n == 0 {
			return
		}
		c.handler.OnFrame(c.in.Bytes()[:n])
		c.in.Consume(n)
	}
}

// OnEvent routes a netlib event to the connection. It can be installed as
// the socket callback directly.
func (c *Conn) OnEvent(ev netlib.Event, _ netlib.Handle) {
	switch ev {
	case netlib.EventRead:
		c.OnRead()
	case netlib.EventWrite:
		c.OnWrite()
	case netlib.EventConfirm:
		if cf, ok := c.handler.(Confirmer); ok {
			cf.OnConfirm()
		}
	case netlib.EventClose:
		if !c.closed {
			c.handler.OnClose()
		}
	}
}

// --------------------------------------------------------------------------
// Liveness
// --------------------------------------------------------------------------

// CheckIdle reports whether a heartbeat is due (nothing sent for longer than
// heartbeat) and whether the peer timed out (nothing received for longer
// than timeout). A zero duration disables the respective check.
func (c *Conn) CheckIdle(now time.Time, heartbeat, timeout time.Duration) (heartbeatDue, timedOut bool) {
	heartbeatDue = heartbeat > 0 && now.Sub(c.lastSend) > heartbeat
	timedOut = timeout > 0 && now.Sub(c.lastRecv) > timeout
	return heartbeatDue, timedOut
}

// Close closes the socket and drops buffered data. Closing twice is a no-op.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.busy = false
	c.out.Reset()
	c.in.Reset()
	return c.io.Close(c.handle)
}

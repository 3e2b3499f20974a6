package client

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dProxy/lib/pdu"
	"github.com/ValentinKolb/dProxy/rpc/common"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sourcegraph/conc"
)

var (
	Logger = logger.GetLogger("rpc")

	// ErrTimeout is returned by Call when no response arrived in time
	ErrTimeout = errors.New("client: request timed out")
	// ErrClosed is returned once the connection is gone
	ErrClosed = errors.New("client: connection closed")
)

// notificationBuffer is the capacity of the Notifications channel
const notificationBuffer = 64

// Client is a blocking PDU client for one proxy connection. Requests are
// correlated with their responses through the sequence number, so any
// number of goroutines can Call concurrently.
type Client struct {
	config common.ClientConfig
	conn   net.Conn

	writeMu sync.Mutex
	pending *xsync.MapOf[uint16, chan *pdu.PDU]
	nextSeq atomic.Uint32

	notifications chan *pdu.PDU
	stopCh        chan struct{}
	done          chan struct{} // closed when the reader exits
	closed        atomic.Bool
	readErr       atomic.Pointer[error]
	wg            conc.WaitGroup
}

// Dial connects to config.Endpoint and starts the reader and, if
// configured, the heartbeat loop
func Dial(config common.ClientConfig) (*Client, error) {
	conn, err := net.DialTimeout("tcp", config.Endpoint, config.Timeout)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", config.Endpoint, err)
	}
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	c := &Client{
		config:        config,
		conn:          conn,
		pending:       xsync.NewMapOf[uint16, chan *pdu.PDU](),
		notifications: make(chan *pdu.PDU, notificationBuffer),
		stopCh:        make(chan struct{}),
		done:          make(chan struct{}),
	}

	c.wg.Go(c.readLoop)
	if config.HeartbeatInterval > 0 {
		c.wg.Go(c.heartbeatLoop)
	}

	Logger.Infof("connected to %s", config.Endpoint)
	return c, nil
}

// LocalAddr returns the local address of the connection
func (c *Client) LocalAddr() net.Addr { return c.conn.LocalAddr() }

// Notifications delivers PDUs that are not a response to a Call, e.g. the
// stop receive notice of a shutting down proxy. The channel is closed when
// the connection is gone.
func (c *Client) Notifications() <-chan *pdu.PDU { return c.notifications }

// Done is closed when the connection is gone
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the error that ended the reader, nil while connected
func (c *Client) Err() error {
	if e := c.readErr.Load(); e != nil {
		return *e
	}
	return nil
}

// Call sends req and waits for the response with the same sequence number.
// The sequence number of req is overwritten.
func (c *Client) Call(ctx context.Context, req *pdu.PDU) (*pdu.PDU, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}

	respCh := make(chan *pdu.PDU, 1)
	req.SeqNum = c.register(respCh)
	defer c.pending.Delete(req.SeqNum)

	if err := c.Send(req); err != nil {
		return nil, err
	}

	var timeoutCh <-chan time.Time
	if c.config.Timeout > 0 {
		timer := time.NewTimer(c.config.Timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case resp := <-respCh:
		return resp, nil
	case <-timeoutCh:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// Send writes p without waiting for an answer
func (c *Client) Send(p *pdu.PDU) error {
	if c.closed.Load() {
		return ErrClosed
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.config.Timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(c.config.Timeout))
	}
	if err := writePDU(c.conn, p); err != nil {
		return fmt.Errorf("client: write: %w", err)
	}
	return nil
}

// Close closes the connection and waits for the background goroutines
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stopCh)
	err := c.conn.Close()
	c.wg.Wait()
	return err
}

// register reserves a sequence number. 0 is reserved for unsolicited PDUs,
// numbers of outstanding calls are skipped after a wrap around.
func (c *Client) register(ch chan *pdu.PDU) uint16 {
	for {
		seq := uint16(c.nextSeq.Add(1))
		if seq == 0 {
			continue
		}
		if _, loaded := c.pending.LoadOrStore(seq, ch); !loaded {
			return seq
		}
	}
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.notifications)

	r := bufio.NewReader(c.conn)
	for {
		p, err := readPDU(r, c.config.MaxPDULength)
		if err != nil {
			if !c.closed.Load() {
				Logger.Warningf("connection to %s lost: %v", c.config.Endpoint, err)
			}
			c.readErr.Store(&err)
			return
		}

		if p.IsHeartbeat() {
			continue
		}

		if p.SeqNum != 0 {
			if ch, ok := c.pending.LoadAndDelete(p.SeqNum); ok {
				ch <- p
				continue
			}
		}

		select {
		case c.notifications <- p:
		default:
			Logger.Warningf("notification buffer full, dropping %s", p)
		}
	}
}

func (c *Client) heartbeatLoop() {
	ticker := time.NewTicker(c.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.Send(pdu.NewHeartbeat()); err != nil {
				Logger.Debugf("heartbeat failed: %v", err)
				return
			}
		}
	}
}

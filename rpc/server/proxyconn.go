package server

import (
	"fmt"
	"time"

	"github.com/ValentinKolb/dProxy/lib/conn"
	"github.com/ValentinKolb/dProxy/lib/netlib"
	"github.com/ValentinKolb/dProxy/lib/pdu"
	"github.com/sourcegraph/conc/panics"
)

// ProxyConn is a client connection of the proxy. It is owned by the event
// loop, workers only ever see its id.
type ProxyConn struct {
	*conn.Conn

	server   *Server
	ref      netlib.Ref // zero when the handle is not a netlib socket
	id       uint32
	peerIP   string
	peerPort uint16
	stopSent bool
}

// ID returns the correlation id of the connection
func (pc *ProxyConn) ID() uint32 { return pc.id }

// PeerAddr returns the remote address
func (pc *ProxyConn) PeerAddr() (string, uint16) { return pc.peerIP, pc.peerPort }

func (pc *ProxyConn) String() string {
	return fmt.Sprintf("conn %d (%s:%d, handle %d)", pc.id, pc.peerIP, pc.peerPort, pc.Handle())
}

// OnFrame decodes a complete PDU and hands it to the worker pool
func (pc *ProxyConn) OnFrame(frame []byte) {
	p, err := pdu.Decode(frame)
	if err != nil {
		Logger.Warningf("%s: protocol violation: %v", pc, err)
		pc.server.metrics.frameErrors.Inc()
		_ = pc.Close()
		return
	}
	pc.server.metrics.received(len(frame))

	if p.IsHeartbeat() {
		return
	}

	fn, ok := pc.server.handlers.Lookup(p.CommandID)
	if !ok {
		Logger.Warningf("%s: no handler for command %#04x (service %#04x), dropped", pc, p.CommandID, p.ServiceID)
		pc.server.metrics.unknownCommands.Inc()
		return
	}

	task := &proxyTask{server: pc.server, connID: pc.id, handler: fn, req: p}
	if err := pc.server.pool.Submit(task); err != nil {
		Logger.Warningf("%s: dropping command %#04x: %v", pc, p.CommandID, err)
	}
}

// OnFrameError closes the connection, a broken stream is never resynchronized
func (pc *ProxyConn) OnFrameError(err *pdu.FrameError) {
	Logger.Warningf("%s: protocol violation: %v", pc, err)
	pc.server.metrics.frameErrors.Inc()
	_ = pc.Close()
}

// OnClose is called when the peer went away or the socket failed
func (pc *ProxyConn) OnClose() {
	Logger.Infof("%s: closed by peer", pc)
	_ = pc.Close()
}

// sweep sends a heartbeat when the connection was quiet for a heartbeat
// interval and closes it when the peer was silent for the timeout
func (pc *ProxyConn) sweep(now time.Time, heartbeat, timeout time.Duration) {
	hb, timedOut := pc.CheckIdle(now, heartbeat, timeout)
	if timedOut {
		Logger.Warningf("%s: timeout, nothing received since %s", pc, pc.LastRecv().Format(time.RFC3339))
		pc.server.metrics.timeouts.Inc()
		_ = pc.Close()
		return
	}
	if hb {
		pc.send(pdu.NewHeartbeat())
		pc.server.metrics.heartbeats.Inc()
	}
}

// sendStop sends the stop-receive notice, at most once per connection
func (pc *ProxyConn) sendStop() {
	if pc.stopSent || pc.Closed() {
		return
	}
	pc.stopSent = true
	pc.send(pdu.NewStopReceive(0))
}

// socketGone reports whether the socket the connection was accepted on has
// been released, even if its descriptor now belongs to another socket
func (pc *ProxyConn) socketGone() bool {
	if pc.ref.Gen == 0 {
		return false
	}
	_, ok := pc.server.lib.Registry().Resolve(pc.ref)
	return !ok
}

func (pc *ProxyConn) send(p *pdu.PDU) {
	if pc.SendPDU(p) > 0 {
		pc.server.metrics.sent(p.Len())
	}
}

// Close removes the connection from both lookup tables and closes the
// socket. Closing twice is a no-op.
func (pc *ProxyConn) Close() error {
	if pc.Closed() {
		return nil
	}
	s := pc.server
	s.byHandle.Compute(pc.Handle(), func(old *ProxyConn, loaded bool) (*ProxyConn, bool) {
		// the handle may already belong to a newer connection
		return old, !loaded || old == pc
	})
	s.byID.Compute(pc.id, func(old *ProxyConn, loaded bool) (*ProxyConn, bool) {
		return old, !loaded || old == pc
	})
	s.metrics.closed.Inc()
	Logger.Debugf("%s: removed (recv=%d sent=%d bytes)", pc, pc.RecvBytes(), pc.SentBytes())
	return pc.Conn.Close()
}

// --------------------------------------------------------------------------
// Worker side
// --------------------------------------------------------------------------

// proxyTask runs a handler on a worker. It never touches the connection,
// the result travels through the response queue.
type proxyTask struct {
	server  *Server
	connID  uint32
	handler HandlerFunc
	req     *pdu.PDU
}

func (t *proxyTask) Run() {
	var resp *pdu.PDU
	var err error

	var pc panics.Catcher
	pc.Try(func() { resp, err = t.handler(t.connID, t.req) })
	if r := pc.Recovered(); r != nil {
		Logger.Errorf("handler for command %#04x on conn %d panicked: %v\n%s", t.req.CommandID, t.connID, r.Value, r.Stack)
		t.server.metrics.handlerPanics.Inc()
		t.server.responses.Add(t.connID, nil)
		return
	}

	if err != nil {
		Logger.Warningf("handler for command %#04x on conn %d failed, closing: %v", t.req.CommandID, t.connID, err)
		t.server.responses.Add(t.connID, nil)
		return
	}
	if resp != nil {
		t.server.responses.Add(t.connID, resp)
	}
}

package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dProxy/lib/conn"
	"github.com/ValentinKolb/dProxy/lib/netlib"
	"github.com/ValentinKolb/dProxy/lib/pdu"
	"github.com/ValentinKolb/dProxy/lib/worker"
	"github.com/ValentinKolb/dProxy/rpc/common"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/puzpuzpuz/xsync/v3"
)

var Logger = logger.GetLogger("proxy")

// Server is the proxy server. One event loop goroutine owns every socket and
// connection, handlers run on the worker pool and hand their results back
// through the response queue.
//
// Usage:
//
//	s, err := server.NewServer(config)
//	if err != nil {
//		return err
//	}
//	s.Handle(0x0201, myHandler)
//	go func() { <-sigterm; s.Shutdown() }()
//	return s.ListenAndServe(ctx)
type Server struct {
	config common.ServerConfig
	lib    *netlib.NetLib
	io     conn.SocketIO
	now    func() time.Time

	handlers  *HandlerMap
	pool      *worker.Pool
	responses *ResponseQueue

	byHandle *xsync.MapOf[netlib.Handle, *ProxyConn]
	byID     *xsync.MapOf[uint32, *ProxyConn]
	nextID   atomic.Uint32

	listeners []netlib.Handle
	stopped   atomic.Bool

	shutdownRequested atomic.Bool
	shuttingDown      bool // loop goroutine only
	hooksMu           sync.Mutex
	shutdownHooks     []func()

	metrics     *serverMetrics
	httpServer  *http.Server
	metricsAddr atomic.Pointer[string]
}

// NewServer validates config and creates a server with its own event loop
// and worker pool
func NewServer(config common.ServerConfig) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid server config: %w", err)
	}
	lib, err := netlib.New(config.NetlibOptions())
	if err != nil {
		return nil, err
	}
	return newServer(config, lib, lib), nil
}

// newServer wires a server on top of lib. Socket I/O of connections goes
// through io, which is lib itself outside of tests.
func newServer(config common.ServerConfig, lib *netlib.NetLib, io conn.SocketIO) *Server {
	s := &Server{
		config:   config,
		lib:      lib,
		io:       io,
		now:      time.Now,
		handlers: NewHandlerMap(),
		pool:     worker.NewPool(config.WorkerCount),
		byHandle: xsync.NewMapOf[netlib.Handle, *ProxyConn](),
		byID:     xsync.NewMapOf[uint32, *ProxyConn](),
	}
	s.responses = NewResponseQueue(lib.Dispatcher().Wake)
	s.metrics = newServerMetrics(s)

	for _, cid := range config.EchoCommands {
		s.handlers.Register(cid, EchoHandler)
	}

	lib.Dispatcher().AddLoopHook(s.onLoop)
	return s
}

// Handle registers fn for a command id. Safe to call while serving.
func (s *Server) Handle(commandID uint16, fn HandlerFunc) {
	s.handlers.Register(commandID, fn)
}

// Handlers returns the handler table
func (s *Server) Handlers() *HandlerMap { return s.handlers }

// OnShutdown registers fn to run on the event loop when the shutdown
// handshake starts
func (s *Server) OnShutdown(fn func()) {
	s.hooksMu.Lock()
	s.shutdownHooks = append(s.shutdownHooks, fn)
	s.hooksMu.Unlock()
}

// AddResponse queues p for connection id. A nil p closes the connection.
// Safe to call from any goroutine, responses for connections that are gone
// by the time the loop gets to them are dropped.
func (s *Server) AddResponse(id uint32, p *pdu.PDU) bool {
	return s.responses.Add(id, p)
}

// ConnCount returns the number of open client connections
func (s *Server) ConnCount() int { return s.byHandle.Size() }

// MetricsAddr returns the address of the metrics endpoint once it is serving
func (s *Server) MetricsAddr() string {
	if addr := s.metricsAddr.Load(); addr != nil {
		return *addr
	}
	return ""
}

// --------------------------------------------------------------------------
// Listen and serve
// --------------------------------------------------------------------------

// Listen opens one listener per configured IP. If any of them fails the
// already opened ones are closed again.
func (s *Server) Listen() error {
	for _, ip := range s.config.ListenIPs {
		h, err := s.lib.Listen(ip, s.config.ListenPort, s.onListenerEvent)
		if err != nil {
			for _, lh := range s.listeners {
				_ = s.lib.Close(lh)
			}
			s.listeners = nil
			return fmt.Errorf("listen on %s:%d: %w", ip, s.config.ListenPort, err)
		}
		s.listeners = append(s.listeners, h)
	}
	return nil
}

// Addrs returns the bound addresses of all listeners
func (s *Server) Addrs() []string {
	addrs := make([]string, 0, len(s.listeners))
	for _, h := range s.listeners {
		ip, port, err := s.lib.LocalAddr(h)
		if err != nil {
			continue
		}
		addrs = append(addrs, net.JoinHostPort(ip, strconv.Itoa(int(port))))
	}
	return addrs
}

// Serve runs the event loop until the shutdown grace period is over or ctx
// is done. Listen is called first if it was not called yet. All connections
// and the worker pool are closed before Serve returns.
func (s *Server) Serve(ctx context.Context) error {
	if len(s.listeners) == 0 {
		if err := s.Listen(); err != nil {
			s.close()
			return err
		}
	}
	if err := s.startMetrics(); err != nil {
		s.close()
		return err
	}

	d := s.lib.Dispatcher()
	d.AddTimer(s.config.TimerInterval, s.sweep)
	if s.config.StatsInterval > 0 {
		d.AddTimer(s.config.StatsInterval, s.logStats)
	}

	Logger.Infof("serving on %v", s.Addrs())
	err := s.lib.Run(ctx, s.config.PollInterval)
	s.close()
	return err
}

// ListenAndServe is Listen followed by Serve
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		s.close()
		return err
	}
	return s.Serve(ctx)
}

// Shutdown starts the shutdown handshake: every connection is told to stop
// sending, the shutdown hooks run and the loop ends after the grace period.
// Safe to call from any goroutine, including signal handlers.
func (s *Server) Shutdown() {
	if s.shutdownRequested.CompareAndSwap(false, true) {
		s.lib.Dispatcher().Wake()
	}
}

// close tears everything down. Only called once the loop is not running,
// later calls are no-ops.
func (s *Server) close() {
	if !s.stopped.CompareAndSwap(false, true) {
		return
	}
	s.stopMetrics()

	s.byHandle.Range(func(_ netlib.Handle, pc *ProxyConn) bool {
		_ = pc.Close()
		return true
	})
	for _, h := range s.listeners {
		_ = s.lib.Close(h)
	}
	s.listeners = nil

	s.pool.Close()
	s.responses.Close()
	if err := s.lib.Shutdown(); err != nil {
		Logger.Warningf("closing network layer: %v", err)
	}
	Logger.Infof("server stopped")
}

// --------------------------------------------------------------------------
// Event loop side
// --------------------------------------------------------------------------

// onListenerEvent receives the events of the listening sockets. Accepted
// sockets start out with this callback and are handed to a ProxyConn.
func (s *Server) onListenerEvent(ev netlib.Event, h netlib.Handle) {
	switch ev {
	case netlib.EventConnect:
		ip, port, _ := s.lib.RemoteAddr(h)
		pc := s.accept(h, ip, port)
		if err := s.lib.SetCallback(h, pc.OnEvent); err != nil {
			Logger.Errorf("%s: %v", pc, err)
			_ = pc.Close()
		}
	case netlib.EventClose:
		s.dropListener(h)
	}
}

// dropListener closes a listener whose socket reported an error. Open
// connections and the other listeners are not affected.
func (s *Server) dropListener(h netlib.Handle) {
	idx := slices.Index(s.listeners, h)
	if idx < 0 {
		return
	}
	s.listeners = slices.Delete(s.listeners, idx, idx+1)
	s.metrics.listenerErrors.Inc()
	if err := s.lib.Close(h); err != nil {
		Logger.Warningf("closing listener %d: %v", h, err)
	}
	Logger.Errorf("listener %d failed and was closed, %d listeners left", h, len(s.listeners))
}

// accept registers a new connection in both tables
func (s *Server) accept(h netlib.Handle, ip string, port uint16) *ProxyConn {
	pc := &ProxyConn{server: s, peerIP: ip, peerPort: port}
	if sock, ok := s.lib.Socket(h); ok {
		pc.ref = sock.Ref()
	}
	pc.Conn = conn.New(s.io, h, pc, conn.Config{
		MaxPDULength: s.config.MaxPDULength,
		Now:          s.now,
	})
	pc.id = s.allocID(pc)
	s.byHandle.Store(h, pc)
	s.metrics.accepted.Inc()
	Logger.Infof("%s: accepted", pc)

	// connections that arrive during the grace period are told right away
	if s.shuttingDown {
		pc.sendStop()
	}
	return pc
}

// allocID hands out the next correlation id. 0 is never used and ids that
// are still taken after a wrap around are skipped.
func (s *Server) allocID(pc *ProxyConn) uint32 {
	for {
		id := s.nextID.Add(1)
		if id == 0 {
			continue
		}
		if _, loaded := s.byID.LoadOrStore(id, pc); !loaded {
			return id
		}
	}
}

// lookup returns the live connection of a correlation id
func (s *Server) lookup(id uint32) (*ProxyConn, bool) {
	return s.byID.Load(id)
}

// onLoop runs once per loop iteration
func (s *Server) onLoop() {
	s.drainResponses()
	if s.shutdownRequested.Load() && !s.shuttingDown {
		s.beginShutdown()
	}
}

// drainResponses sends queued responses to their connections
func (s *Server) drainResponses() {
	s.responses.Drain(s.config.DrainLimit, func(r Response) {
		pc, ok := s.lookup(r.ConnID)
		if !ok {
			Logger.Debugf("dropping response for conn %d, connection is gone", r.ConnID)
			s.metrics.staleResponses.Inc()
			return
		}
		if r.PDU == nil {
			Logger.Infof("%s: closing on request", pc)
			_ = pc.Close()
			return
		}
		if pc.socketGone() {
			Logger.Warningf("%s: socket was released, dropping response", pc)
			s.metrics.staleResponses.Inc()
			_ = pc.Close()
			return
		}
		pc.send(r.PDU)
	})

	// more left than the limit allowed, come back without sleeping
	if s.config.DrainLimit > 0 && s.responses.Len() > 0 {
		s.lib.Dispatcher().Wake()
	}
}

// sweep is the periodic liveness check of all connections
func (s *Server) sweep(now time.Time) {
	s.byHandle.Range(func(_ netlib.Handle, pc *ProxyConn) bool {
		pc.sweep(now, s.config.HeartbeatInterval, s.config.Timeout)
		return true
	})
}

// beginShutdown broadcasts the stop notice, runs the shutdown hooks and
// schedules the end of the loop
func (s *Server) beginShutdown() {
	s.shuttingDown = true
	Logger.Infof("shutdown: notifying %d connections", s.byHandle.Size())

	s.byHandle.Range(func(_ netlib.Handle, pc *ProxyConn) bool {
		pc.sendStop()
		return true
	})

	s.hooksMu.Lock()
	hooks := append([]func(){}, s.shutdownHooks...)
	s.hooksMu.Unlock()
	for _, fn := range hooks {
		fn()
	}

	Logger.Infof("shutdown: stopping in %s", s.config.ShutdownGrace)
	s.lib.Dispatcher().AfterFunc(s.config.ShutdownGrace, func(time.Time) {
		Logger.Infof("shutdown: grace period over")
		s.lib.Stop()
	})
}

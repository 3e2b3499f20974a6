package netlib

import (
	"context"
	"fmt"
	"time"
)

// Options configures a NetLib instance
type Options struct {
	WriteMode   WriteMode
	Backlog     int // listen backlog
	MaxEvents   int // readiness reports per loop iteration
	SendBufSize int // SO_SNDBUF for accepted and connected sockets, 0 keeps the OS default
	RecvBufSize int // SO_RCVBUF for accepted and connected sockets, 0 keeps the OS default

	// AcceptBackoff is how long a listener stops accepting after accept
	// failed with an error that retrying right away would not fix, such as
	// running out of descriptors
	AcceptBackoff time.Duration
}

// DefaultAcceptBackoff is used when Options.AcceptBackoff is not set
const DefaultAcceptBackoff = 100 * time.Millisecond

// DefaultOptions returns the options the proxy runs with unless configured otherwise
func DefaultOptions() Options {
	return Options{
		WriteMode:     WriteModeRearm,
		Backlog:       64,
		MaxEvents:     DefaultMaxEvents,
		AcceptBackoff: DefaultAcceptBackoff,
	}
}

// NetLib owns the socket registry and the dispatcher and exposes the socket
// operations by handle.
type NetLib struct {
	opts       Options
	registry   *Registry
	dispatcher *Dispatcher
}

// New creates a network library instance with its own event loop
func New(opts Options) (*NetLib, error) {
	if opts.Backlog <= 0 {
		opts.Backlog = 64
	}
	if opts.AcceptBackoff <= 0 {
		opts.AcceptBackoff = DefaultAcceptBackoff
	}

	registry := NewRegistry()
	dispatcher, err := NewDispatcher(registry, opts.WriteMode, opts.MaxEvents)
	if err != nil {
		return nil, err
	}
	return &NetLib{
		opts:       opts,
		registry:   registry,
		dispatcher: dispatcher,
	}, nil
}

// Dispatcher returns the event loop
func (n *NetLib) Dispatcher() *Dispatcher { return n.dispatcher }

// Registry returns the socket registry
func (n *NetLib) Registry() *Registry { return n.registry }

// Options returns the options the instance was created with
func (n *NetLib) Options() Options { return n.opts }

// Listen binds a listening socket. cb receives EventConnect for every
// accepted socket, accepted sockets start out with the same callback.
func (n *NetLib) Listen(ip string, port uint16, cb Callback) (Handle, error) {
	fd, err := sysListen(ip, port, n.opts.Backlog)
	if err != nil {
		return InvalidHandle, fmt.Errorf("netlib: %w", err)
	}

	s := &Socket{
		lib:      n,
		handle:   Handle(fd),
		state:    StateListening,
		callback: cb,
		localIP:  ip,
	}
	if lip, lport, err := sysLocalAddr(fd); err == nil {
		s.localIP, s.localPort = lip, lport
	}
	n.registry.add(s)

	if err := n.dispatcher.Register(s.handle, InterestRead|InterestExcept); err != nil {
		_ = s.Close()
		return InvalidHandle, err
	}

	Logger.Infof("listening on %s:%d (handle %d)", s.localIP, s.localPort, s.handle)
	return s.handle, nil
}

// Connect starts an outbound connection. cb receives EventConfirm once the
// connection is established, or EventClose if it failed.
func (n *NetLib) Connect(ip string, port uint16, cb Callback) (Handle, error) {
	fd, inProgress, err := sysConnect(ip, port)
	if err != nil {
		return InvalidHandle, fmt.Errorf("netlib: %w", err)
	}

	s := &Socket{
		lib:        n,
		handle:     Handle(fd),
		state:      StateConnecting,
		callback:   cb,
		remoteIP:   ip,
		remotePort: port,
	}
	n.applyBufferSizes(s)
	n.registry.add(s)

	// completion (or failure) is always reported through writable readiness
	if err := n.dispatcher.Register(s.handle, InterestAll); err != nil {
		_ = s.Close()
		return InvalidHandle, err
	}

	Logger.Debugf("connecting socket %d to %s:%d (in progress=%v)", fd, ip, port, inProgress)
	return s.handle, nil
}

// Send writes p on socket h, see Socket.Send
func (n *NetLib) Send(h Handle, p []byte) (int, error) {
	s, ok := n.registry.Lookup(h)
	if !ok {
		return 0, ErrInvalidHandle
	}
	return s.Send(p)
}

// Recv reads from socket h, see Socket.Recv
func (n *NetLib) Recv(h Handle, p []byte) (int, error) {
	s, ok := n.registry.Lookup(h)
	if !ok {
		return 0, ErrInvalidHandle
	}
	return s.Recv(p)
}

// Close closes socket h
func (n *NetLib) Close(h Handle) error {
	s, ok := n.registry.Lookup(h)
	if !ok {
		return ErrInvalidHandle
	}
	return s.Close()
}

// Socket returns the live socket for h
func (n *NetLib) Socket(h Handle) (*Socket, bool) {
	return n.registry.Lookup(h)
}

// SetCallback replaces the callback of socket h
func (n *NetLib) SetCallback(h Handle, cb Callback) error {
	s, ok := n.registry.Lookup(h)
	if !ok {
		return ErrInvalidHandle
	}
	s.SetCallback(cb)
	return nil
}

// RemoteAddr returns the peer address of socket h
func (n *NetLib) RemoteAddr(h Handle) (string, uint16, error) {
	s, ok := n.registry.Lookup(h)
	if !ok {
		return "", 0, ErrInvalidHandle
	}
	ip, port := s.RemoteAddr()
	return ip, port, nil
}

// LocalAddr returns the bound address of socket h
func (n *NetLib) LocalAddr(h Handle) (string, uint16, error) {
	s, ok := n.registry.Lookup(h)
	if !ok {
		return "", 0, ErrInvalidHandle
	}
	ip, port := s.LocalAddr()
	return ip, port, nil
}

// Run drives the event loop until Stop or ctx is done
func (n *NetLib) Run(ctx context.Context, pollInterval time.Duration) error {
	return n.dispatcher.Run(ctx, pollInterval)
}

// Stop ends Run
func (n *NetLib) Stop() {
	n.dispatcher.Stop()
}

// Shutdown closes every registered socket and the poller. It must not be
// called while Run is active.
func (n *NetLib) Shutdown() error {
	for _, h := range n.registry.Handles() {
		if s, ok := n.registry.Lookup(h); ok {
			_ = s.Close()
		}
	}
	return n.dispatcher.Close()
}

func (n *NetLib) applyBufferSizes(s *Socket) {
	if n.opts.SendBufSize > 0 {
		if _, err := s.SetSendBufSize(n.opts.SendBufSize); err != nil {
			Logger.Warningf("%v", err)
		}
	}
	if n.opts.RecvBufSize > 0 {
		if _, err := s.SetRecvBufSize(n.opts.RecvBufSize); err != nil {
			Logger.Warningf("%v", err)
		}
	}
}

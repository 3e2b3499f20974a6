package netlib

import (
	"fmt"
	"io"
	"time"
)

// Socket is one listening or connected socket. All methods must be called
// from the loop goroutine, the exception being the read-only accessors.
type Socket struct {
	lib      *NetLib
	handle   Handle
	ref      Ref
	slot     *slot
	state    State
	callback Callback

	acceptPaused bool
	acceptErrs   int // consecutive failed accepts, only the first is logged

	localIP    string
	localPort  uint16
	remoteIP   string
	remotePort uint16
}

// Handle returns the descriptor of the socket
func (s *Socket) Handle() Handle { return s.handle }

// Ref returns the generation-checked reference of the socket
func (s *Socket) Ref() Ref { return s.ref }

// State returns the lifecycle state
func (s *Socket) State() State { return s.state }

// LocalAddr returns the address the socket is bound to
func (s *Socket) LocalAddr() (string, uint16) { return s.localIP, s.localPort }

// RemoteAddr returns the address of the peer
func (s *Socket) RemoteAddr() (string, uint16) { return s.remoteIP, s.remotePort }

func (s *Socket) String() string {
	return fmt.Sprintf("socket(%d %s local=%s:%d remote=%s:%d)",
		s.handle, s.state, s.localIP, s.localPort, s.remoteIP, s.remotePort)
}

func (s *Socket) open() bool {
	return s.state != StateClosing && s.state != StateClosed
}

// SetCallback replaces the event callback
func (s *Socket) SetCallback(cb Callback) { s.callback = cb }

// SetSendBufSize sets SO_SNDBUF and returns the size the kernel applied
func (s *Socket) SetSendBufSize(size int) (int, error) {
	actual, err := sysSetBuffer(int(s.handle), true, size)
	if err != nil {
		return 0, fmt.Errorf("netlib: set send buffer of %d: %w", s.handle, err)
	}
	Logger.Debugf("socket %d send buffer requested=%d actual=%d", s.handle, size, actual)
	return actual, nil
}

// SetRecvBufSize sets SO_RCVBUF and returns the size the kernel applied
func (s *Socket) SetRecvBufSize(size int) (int, error) {
	actual, err := sysSetBuffer(int(s.handle), false, size)
	if err != nil {
		return 0, fmt.Errorf("netlib: set recv buffer of %d: %w", s.handle, err)
	}
	Logger.Debugf("socket %d recv buffer requested=%d actual=%d", s.handle, size, actual)
	return actual, nil
}

// --------------------------------------------------------------------------
// Data path
// --------------------------------------------------------------------------

// Send writes as much of p as the kernel accepts. A full send buffer is not
// an error: it returns 0 and (in rearm mode) arms writable interest so the
// owner gets EventWrite once there is room again.
func (s *Socket) Send(p []byte) (int, error) {
	if s.state != StateConnected {
		return 0, ErrNotConnected
	}

	n, err := sysSend(int(s.handle), p)
	if err == ErrWouldBlock {
		if s.lib.dispatcher.Mode() == WriteModeRearm {
			if rerr := s.lib.dispatcher.Register(s.handle, InterestWrite); rerr != nil {
				Logger.Warningf("socket %d: %v", s.handle, rerr)
			}
		}
		Logger.Debugf("socket %d send would block", s.handle)
		return 0, nil
	}
	if err != nil {
		Logger.Warningf("socket %d send failed: %v", s.handle, err)
		return 0, err
	}
	return n, nil
}

// Recv reads into p. It returns ErrWouldBlock when nothing is queued and
// io.EOF once the peer closed its side.
func (s *Socket) Recv(p []byte) (int, error) {
	if s.state != StateConnected {
		return 0, ErrNotConnected
	}

	n, err := sysRecv(int(s.handle), p)
	if err != nil {
		return 0, err
	}
	if n == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	return n, nil
}

// Close unregisters the socket and removes it from the registry. The
// descriptor itself is closed as soon as no dispatch holds it anymore.
// Closing twice is a no-op.
func (s *Socket) Close() error {
	if s.state == StateClosed {
		return nil
	}
	s.state = StateClosed

	err := s.lib.dispatcher.Unregister(s.handle, InterestAll)
	s.lib.registry.retire(s)
	return err
}

// release closes the descriptor. Called by the registry exactly once.
func (s *Socket) release() {
	if err := sysClose(int(s.handle)); err != nil {
		Logger.Warningf("close of socket %d failed: %v", s.handle, err)
	}
	Logger.Debugf("released socket %d", s.handle)
}

// --------------------------------------------------------------------------
// Readiness handlers (called by the dispatcher)
// --------------------------------------------------------------------------

func (s *Socket) notify(ev Event, h Handle) {
	if s.callback != nil {
		s.callback(ev, h)
	}
}

func (s *Socket) onRead() {
	if s.state == StateListening {
		s.acceptAll()
		return
	}

	avail, err := sysAvailable(int(s.handle))
	if err != nil || avail == 0 {
		s.notify(EventClose, s.handle)
		return
	}
	s.notify(EventRead, s.handle)
}

func (s *Socket) onWrite() {
	if s.lib.dispatcher.Mode() == WriteModeRearm {
		if err := s.lib.dispatcher.Unregister(s.handle, InterestWrite); err != nil {
			Logger.Warningf("socket %d: %v", s.handle, err)
		}
	}

	if s.state == StateConnecting {
		if err := sysSocketError(int(s.handle)); err != nil {
			Logger.Warningf("connect of socket %d to %s:%d failed: %v", s.handle, s.remoteIP, s.remotePort, err)
			s.notify(EventClose, s.handle)
			return
		}
		s.state = StateConnected
		if ip, port, err := sysLocalAddr(int(s.handle)); err == nil {
			s.localIP, s.localPort = ip, port
		}
		s.notify(EventConfirm, s.handle)
		return
	}

	s.notify(EventWrite, s.handle)
}

func (s *Socket) onClose() {
	s.state = StateClosing
	s.notify(EventClose, s.handle)
}

// acceptAll drains the accept queue. Every accepted socket inherits the
// listener callback and is announced with EventConnect.
func (s *Socket) acceptAll() {
	for s.state == StateListening {
		fd, ip, port, err := sysAccept(int(s.handle))
		if err != nil {
			if isWouldBlock(err) {
				return
			}
			if isAcceptRetry(err) {
				continue
			}
			s.pauseAccept(err)
			return
		}
		s.acceptErrs = 0

		ns := &Socket{
			lib:        s.lib,
			handle:     Handle(fd),
			state:      StateConnected,
			callback:   s.callback,
			remoteIP:   ip,
			remotePort: port,
		}
		if lip, lport, err := sysLocalAddr(fd); err == nil {
			ns.localIP, ns.localPort = lip, lport
		}
		s.lib.applyBufferSizes(ns)
		s.lib.registry.add(ns)

		if err := s.lib.dispatcher.Register(ns.handle, InterestRead|InterestExcept); err != nil {
			Logger.Errorf("register of accepted socket %d failed: %v", fd, err)
			_ = ns.Close()
			continue
		}

		Logger.Debugf("accepted socket %d from %s:%d", fd, ip, port)
		s.notify(EventConnect, ns.handle)
	}
}

// pauseAccept takes the listener out of the poller for the accept backoff.
// Without it a level-triggered listener would report the same pending
// connection on every iteration and an edge-triggered one never again.
func (s *Socket) pauseAccept(err error) {
	if s.acceptPaused {
		return
	}
	backoff := s.lib.opts.AcceptBackoff
	if s.acceptErrs == 0 {
		Logger.Errorf("accept on %s:%d failed, pausing for %s: %v", s.localIP, s.localPort, backoff, err)
	} else {
		Logger.Debugf("accept on %s:%d still failing (%d times): %v", s.localIP, s.localPort, s.acceptErrs+1, err)
	}
	s.acceptErrs++
	s.acceptPaused = true

	if err := s.lib.dispatcher.Unregister(s.handle, InterestAll); err != nil {
		Logger.Warningf("socket %d: %v", s.handle, err)
	}
	s.lib.dispatcher.AfterFunc(backoff, func(time.Time) { s.resumeAccept() })
}

// resumeAccept puts a paused listener back into the poller. Registering
// again reports connections that queued up in the meantime.
func (s *Socket) resumeAccept() {
	s.acceptPaused = false
	if s.state != StateListening {
		return
	}
	if err := s.lib.dispatcher.Register(s.handle, InterestRead|InterestExcept); err != nil {
		Logger.Errorf("resuming accept on %s:%d failed: %v", s.localIP, s.localPort, err)
	}
}

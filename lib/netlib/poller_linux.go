//go:build linux

package netlib

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"
)

// epollPoller is the epoll(7) backend. An eventfd is registered next to the
// sockets so other goroutines can interrupt a blocking wait.
type epollPoller struct {
	epfd   int
	wakeFd int
	mode   WriteMode
	raw    []unix.EpollEvent
	woken  atomic.Bool
}

func newPoller(mode WriteMode, maxEvents int) (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	wakeFd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(wakeFd)}
	if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, wakeFd, &ev); err != nil {
		_ = unix.Close(wakeFd)
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("epoll_ctl(wakeup): %w", err)
	}

	return &epollPoller{
		epfd:   epfd,
		wakeFd: wakeFd,
		mode:   mode,
		raw:    make([]unix.EpollEvent, maxEvents),
	}, nil
}

// events translates an interest set into epoll flags
func (p *epollPoller) events(mask Interest) uint32 {
	if p.mode == WriteModeEdge {
		return unix.EPOLLIN | unix.EPOLLOUT | unix.EPOLLPRI | unix.EPOLLERR | unix.EPOLLHUP | unix.EPOLLET
	}
	var ev uint32
	if mask&InterestRead != 0 {
		ev |= unix.EPOLLIN
	}
	if mask&InterestWrite != 0 {
		ev |= unix.EPOLLOUT
	}
	if mask&InterestExcept != 0 {
		ev |= unix.EPOLLPRI
	}
	return ev
}

func (p *epollPoller) control(h Handle, old, next Interest) error {
	fd := int(h)
	ev := unix.EpollEvent{Events: p.events(next), Fd: int32(fd)}

	switch {
	case next == 0 && old == 0:
		return nil
	case next == 0:
		err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil)
		if errors.Is(err, unix.ENOENT) || errors.Is(err, unix.EBADF) {
			return nil
		}
		return err
	case old == 0:
		return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev)
	default:
		return unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, fd, &ev)
	}
}

func (p *epollPoller) wait(out []readyEvent, timeout time.Duration) (int, error) {
	ms := int(timeout / time.Millisecond)
	if timeout > 0 && ms == 0 {
		ms = 1
	}
	raw := p.raw
	if len(raw) > len(out) {
		raw = raw[:len(out)]
	}

	n, err := unix.EpollWait(p.epfd, raw, ms)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll_wait: %w", err)
	}

	count := 0
	for i := 0; i < n; i++ {
		ev := raw[i]
		if int(ev.Fd) == p.wakeFd {
			p.drainWake()
			continue
		}

		var ready Interest
		if ev.Events&unix.EPOLLIN != 0 {
			ready |= InterestRead
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			ready |= InterestWrite
		}
		if ev.Events&(unix.EPOLLPRI|unix.EPOLLERR|unix.EPOLLHUP) != 0 {
			ready |= InterestExcept
		}
		out[count] = readyEvent{handle: Handle(ev.Fd), ready: ready}
		count++
	}
	return count, nil
}

func (p *epollPoller) wake() error {
	// one pending wakeup is enough
	if !p.woken.CompareAndSwap(false, true) {
		return nil
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(p.wakeFd, buf[:]); err != nil && !errors.Is(err, unix.EAGAIN) {
		p.woken.Store(false)
		return fmt.Errorf("eventfd write: %w", err)
	}
	return nil
}

func (p *epollPoller) drainWake() {
	p.woken.Store(false)
	var buf [8]byte
	_, _ = unix.Read(p.wakeFd, buf[:])
}

func (p *epollPoller) close() error {
	err1 := unix.Close(p.wakeFd)
	err2 := unix.Close(p.epfd)
	return errors.Join(err1, err2)
}

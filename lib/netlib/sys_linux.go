//go:build linux

package netlib

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"golang.org/x/sys/unix"
)

// resolve turns a host string into a socket address. Literal addresses are
// parsed directly, anything else goes through the resolver.
func resolve(host string, port uint16) (unix.Sockaddr, int, error) {
	if host == "" {
		host = "0.0.0.0"
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		addrs, lerr := net.DefaultResolver.LookupNetIP(ctx, "ip", host)
		if lerr != nil {
			return nil, 0, fmt.Errorf("resolve %q: %w", host, lerr)
		}
		if len(addrs) == 0 {
			return nil, 0, fmt.Errorf("resolve %q: no addresses", host)
		}
		addr = addrs[0]
	}
	addr = addr.Unmap()

	if addr.Is4() {
		return &unix.SockaddrInet4{Port: int(port), Addr: addr.As4()}, unix.AF_INET, nil
	}
	return &unix.SockaddrInet6{Port: int(port), Addr: addr.As16()}, unix.AF_INET6, nil
}

func sockaddrToAddr(sa unix.Sockaddr) (string, uint16) {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return netip.AddrFrom4(a.Addr).String(), uint16(a.Port)
	case *unix.SockaddrInet6:
		return netip.AddrFrom16(a.Addr).String(), uint16(a.Port)
	default:
		return "", 0
	}
}

func isWouldBlock(err error) bool {
	return errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK)
}

func sysListen(ip string, port uint16, backlog int) (int, error) {
	sa, family, err := resolve(ip, port)
	if err != nil {
		return -1, err
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("setsockopt(SO_REUSEADDR): %w", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("bind %s:%d: %w", ip, port, err)
	}
	if err := unix.Listen(fd, backlog); err != nil {
		_ = unix.Close(fd)
		return -1, fmt.Errorf("listen %s:%d: %w", ip, port, err)
	}
	return fd, nil
}

// sysConnect starts a non-blocking connect. inProgress is true when the
// result is reported later through writable readiness.
func sysConnect(ip string, port uint16) (fd int, inProgress bool, err error) {
	sa, family, err := resolve(ip, port)
	if err != nil {
		return -1, false, err
	}

	fd, err = unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, false, fmt.Errorf("socket: %w", err)
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	err = unix.Connect(fd, sa)
	switch {
	case err == nil:
		return fd, false, nil
	case errors.Is(err, unix.EINPROGRESS) || errors.Is(err, unix.EINTR):
		return fd, true, nil
	default:
		_ = unix.Close(fd)
		return -1, false, fmt.Errorf("connect %s:%d: %w", ip, port, err)
	}
}

func sysAccept(fd int) (int, string, uint16, error) {
	nfd, sa, err := unix.Accept4(fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err != nil {
		return -1, "", 0, err
	}
	_ = unix.SetsockoptInt(nfd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	ip, port := sockaddrToAddr(sa)
	return nfd, ip, port, nil
}

func sysLocalAddr(fd int) (string, uint16, error) {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return "", 0, err
	}
	ip, port := sockaddrToAddr(sa)
	return ip, port, nil
}

// sysAvailable returns the number of bytes waiting in the receive queue
func sysAvailable(fd int) (int, error) {
	return unix.IoctlGetInt(fd, unix.SIOCINQ)
}

// sysSocketError returns the pending error of a socket (SO_ERROR)
func sysSocketError(fd int) error {
	errno, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return err
	}
	if errno != 0 {
		return unix.Errno(errno)
	}
	return nil
}

func sysSend(fd int, p []byte) (int, error) {
	for {
		n, err := unix.SendmsgN(fd, p, nil, nil, unix.MSG_NOSIGNAL)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil && isWouldBlock(err) {
			return 0, ErrWouldBlock
		}
		return n, err
	}
}

func sysRecv(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Read(fd, p)
		if errors.Is(err, unix.EINTR) {
			continue
		}
		if err != nil && isWouldBlock(err) {
			return 0, ErrWouldBlock
		}
		return n, err
	}
}

func sysClose(fd int) error {
	return unix.Close(fd)
}

// sysSetBuffer sets SO_SNDBUF or SO_RCVBUF and returns the size the kernel
// actually applied
func sysSetBuffer(fd int, send bool, size int) (int, error) {
	opt := unix.SO_RCVBUF
	if send {
		opt = unix.SO_SNDBUF
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, opt, size); err != nil {
		return 0, err
	}
	return unix.GetsockoptInt(fd, unix.SOL_SOCKET, opt)
}

func isAcceptRetry(err error) bool {
	return errors.Is(err, unix.EINTR) || errors.Is(err, unix.ECONNABORTED)
}

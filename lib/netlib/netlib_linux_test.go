//go:build linux

package netlib

import (
	"context"
	"fmt"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

type recorded struct {
	ev Event
	h  Handle
}

type recorder struct {
	events []recorded
}

func (r *recorder) callback(ev Event, h Handle) {
	r.events = append(r.events, recorded{ev: ev, h: h})
}

func (r *recorder) has(ev Event, h Handle) bool {
	for _, e := range r.events {
		if e.ev == ev && (h == InvalidHandle || e.h == h) {
			return true
		}
	}
	return false
}

func (r *recorder) count(ev Event) int {
	n := 0
	for _, e := range r.events {
		if e.ev == ev {
			n++
		}
	}
	return n
}

func newTestLib(t *testing.T, opts Options) *NetLib {
	t.Helper()
	lib, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = lib.Shutdown() })
	return lib
}

// pollUntil drives the loop on the test goroutine until cond holds
func pollUntil(t *testing.T, lib *NetLib, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not reached before deadline")
		}
		_, err := lib.Dispatcher().Poll(10 * time.Millisecond)
		require.NoError(t, err)
	}
}

func listenLocal(t *testing.T, lib *NetLib, cb Callback) (Handle, string) {
	t.Helper()
	lh, err := lib.Listen("127.0.0.1", 0, cb)
	require.NoError(t, err)
	ip, port, err := lib.LocalAddr(lh)
	require.NoError(t, err)
	require.NotZero(t, port)
	return lh, fmt.Sprintf("%s:%d", ip, port)
}

func dial(t *testing.T, addr string) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", addr, time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestAcceptBurstInOneIteration(t *testing.T) {
	lib := newTestLib(t, DefaultOptions())
	rec := &recorder{}
	_, addr := listenLocal(t, lib, rec.callback)

	for i := 0; i < 5; i++ {
		dial(t, addr)
	}
	// let the handshakes land in the accept queue
	time.Sleep(50 * time.Millisecond)

	_, err := lib.Dispatcher().Poll(time.Second)
	require.NoError(t, err)

	assert.Equal(t, 5, rec.count(EventConnect), "all pending connections must be accepted in one iteration")
	assert.Equal(t, 6, lib.Registry().Len())
	for _, e := range rec.events {
		s, ok := lib.Socket(e.h)
		require.True(t, ok)
		assert.Equal(t, StateConnected, s.State())
		assert.Equal(t, InterestRead|InterestExcept, lib.Dispatcher().Interest(e.h))
		ip, port := s.RemoteAddr()
		assert.Equal(t, "127.0.0.1", ip)
		assert.NotZero(t, port)
	}
}

func TestAcceptFailurePausesListener(t *testing.T) {
	for _, mode := range []WriteMode{WriteModeRearm, WriteModeEdge} {
		t.Run(mode.String(), func(t *testing.T) {
			opts := DefaultOptions()
			opts.WriteMode = mode
			opts.AcceptBackoff = 50 * time.Millisecond
			lib := newTestLib(t, opts)
			rec := &recorder{}
			lh, addr := listenLocal(t, lib, rec.callback)
			armed := lib.Dispatcher().Interest(lh)

			ls, ok := lib.Socket(lh)
			require.True(t, ok)
			ls.pauseAccept(unix.EMFILE)
			ls.pauseAccept(unix.EMFILE)
			assert.Zero(t, lib.Dispatcher().Interest(lh), "paused listener must leave the poller")
			assert.Equal(t, 1, ls.acceptErrs, "a paused listener is not paused twice")

			dial(t, addr)
			stop := time.Now().Add(20 * time.Millisecond)
			for time.Now().Before(stop) {
				_, err := lib.Dispatcher().Poll(5 * time.Millisecond)
				require.NoError(t, err)
			}
			assert.Zero(t, rec.count(EventConnect), "nothing is accepted during the backoff")

			pollUntil(t, lib, func() bool { return rec.count(EventConnect) == 1 })
			assert.Equal(t, armed, lib.Dispatcher().Interest(lh))
			assert.False(t, ls.acceptPaused)
			assert.Zero(t, ls.acceptErrs, "a successful accept resets the error count")
		})
	}
}

func TestPausedListenerClosedBeforeResume(t *testing.T) {
	opts := DefaultOptions()
	opts.AcceptBackoff = 10 * time.Millisecond
	lib := newTestLib(t, opts)
	lh, _ := listenLocal(t, lib, (&recorder{}).callback)

	ls, ok := lib.Socket(lh)
	require.True(t, ok)
	ls.pauseAccept(unix.EMFILE)
	require.NoError(t, lib.Close(lh))

	fired := false
	lib.Dispatcher().AfterFunc(20*time.Millisecond, func(time.Time) { fired = true })
	pollUntil(t, lib, func() bool { return fired })
	assert.Zero(t, lib.Dispatcher().Interest(lh), "closed listener must not be registered again")
}

func TestReadThenPeerClose(t *testing.T) {
	lib := newTestLib(t, DefaultOptions())
	rec := &recorder{}
	_, addr := listenLocal(t, lib, rec.callback)

	c := dial(t, addr)
	pollUntil(t, lib, func() bool { return rec.has(EventConnect, InvalidHandle) })
	h := rec.events[0].h

	_, err := c.Write([]byte("hello"))
	require.NoError(t, err)
	pollUntil(t, lib, func() bool { return rec.has(EventRead, h) })

	buf := make([]byte, 64)
	n, err := lib.Recv(h, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf[:n]))

	_, err = lib.Recv(h, buf)
	assert.ErrorIs(t, err, ErrWouldBlock)

	require.NoError(t, c.Close())
	pollUntil(t, lib, func() bool { return rec.has(EventClose, h) })

	require.NoError(t, lib.Close(h))
	_, ok := lib.Socket(h)
	assert.False(t, ok)
	assert.Equal(t, Interest(0), lib.Dispatcher().Interest(h))

	_, err = lib.Send(h, []byte("x"))
	assert.ErrorIs(t, err, ErrInvalidHandle)
	assert.ErrorIs(t, lib.Close(h), ErrInvalidHandle)
}

func TestConnectConfirm(t *testing.T) {
	lib := newTestLib(t, DefaultOptions())
	server := &recorder{}
	_, addr := listenLocal(t, lib, server.callback)
	host, portStr, _ := net.SplitHostPort(addr)
	var port uint16
	_, _ = fmt.Sscanf(portStr, "%d", &port)

	client := &recorder{}
	ch, err := lib.Connect(host, port, client.callback)
	require.NoError(t, err)

	pollUntil(t, lib, func() bool {
		return client.has(EventConfirm, ch) && server.has(EventConnect, InvalidHandle)
	})

	s, ok := lib.Socket(ch)
	require.True(t, ok)
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, InterestRead|InterestExcept, lib.Dispatcher().Interest(ch), "write interest must be dropped after confirm")

	accepted := server.events[0].h
	n, err := lib.Send(ch, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, 4, n)

	pollUntil(t, lib, func() bool { return server.has(EventRead, accepted) })
	buf := make([]byte, 8)
	n, err = lib.Recv(accepted, buf)
	require.NoError(t, err)
	assert.Equal(t, "ping", string(buf[:n]))
}

func TestConnectRefused(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := uint16(l.Addr().(*net.TCPAddr).Port)
	require.NoError(t, l.Close())

	lib := newTestLib(t, DefaultOptions())
	rec := &recorder{}
	h, err := lib.Connect("127.0.0.1", port, func(ev Event, h Handle) {
		rec.callback(ev, h)
		if ev == EventClose {
			_ = lib.Close(h)
		}
	})
	if err != nil {
		// refused synchronously, nothing was registered
		assert.Equal(t, 0, lib.Registry().Len())
		return
	}

	pollUntil(t, lib, func() bool { return rec.has(EventClose, h) })
	assert.False(t, rec.has(EventConfirm, h))
	_, ok := lib.Socket(h)
	assert.False(t, ok)
}

func TestSendWouldBlockArmsWriteInterest(t *testing.T) {
	opts := DefaultOptions()
	opts.SendBufSize = 4096
	lib := newTestLib(t, opts)
	rec := &recorder{}
	_, addr := listenLocal(t, lib, rec.callback)

	c := dial(t, addr)
	pollUntil(t, lib, func() bool { return rec.has(EventConnect, InvalidHandle) })
	h := rec.events[0].h

	payload := make([]byte, 64*1024)
	total := 0
	for i := 0; i < 4096; i++ {
		n, err := lib.Send(h, payload)
		require.NoError(t, err)
		if n == 0 {
			break
		}
		total += n
	}
	require.Equal(t, InterestAll, lib.Dispatcher().Interest(h), "a blocked send must arm write interest")

	go func() { _, _ = io.CopyN(io.Discard, c, int64(total)) }()

	pollUntil(t, lib, func() bool { return rec.has(EventWrite, h) })
	assert.Equal(t, InterestRead|InterestExcept, lib.Dispatcher().Interest(h), "write interest must be dropped once it fired")
}

func TestEdgeModeRegistersEverything(t *testing.T) {
	opts := DefaultOptions()
	opts.WriteMode = WriteModeEdge
	lib := newTestLib(t, opts)
	rec := &recorder{}
	_, addr := listenLocal(t, lib, rec.callback)

	c := dial(t, addr)
	pollUntil(t, lib, func() bool { return rec.has(EventConnect, InvalidHandle) })
	h := rec.events[0].h
	assert.Equal(t, InterestAll, lib.Dispatcher().Interest(h))

	// single interests are never dropped in edge mode
	require.NoError(t, lib.Dispatcher().Unregister(h, InterestWrite))
	assert.Equal(t, InterestAll, lib.Dispatcher().Interest(h))

	_, err := c.Write([]byte("edge"))
	require.NoError(t, err)
	pollUntil(t, lib, func() bool { return rec.has(EventRead, h) })

	buf := make([]byte, 16)
	n, err := lib.Recv(h, buf)
	require.NoError(t, err)
	assert.Equal(t, "edge", string(buf[:n]))
}

func TestTimers(t *testing.T) {
	lib := newTestLib(t, DefaultOptions())
	d := lib.Dispatcher()

	ticks, once := 0, 0
	id := d.AddTimer(5*time.Millisecond, func(time.Time) { ticks++ })
	d.AfterFunc(time.Millisecond, func(time.Time) { once++ })

	pollUntil(t, lib, func() bool { return ticks >= 3 })
	assert.Equal(t, 1, once, "one-shot timer must fire exactly once")

	require.True(t, d.RemoveTimer(id))
	assert.False(t, d.RemoveTimer(id))

	before := ticks
	stop := time.Now().Add(30 * time.Millisecond)
	for time.Now().Before(stop) {
		_, _ = d.Poll(5 * time.Millisecond)
	}
	assert.Equal(t, before, ticks, "removed timer must not fire")
}

func TestLoopHooksRunEveryIteration(t *testing.T) {
	lib := newTestLib(t, DefaultOptions())
	calls := 0
	lib.Dispatcher().AddLoopHook(func() { calls++ })

	for i := 0; i < 3; i++ {
		_, err := lib.Dispatcher().Poll(0)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, calls)
}

func TestWakeInterruptsPoll(t *testing.T) {
	lib := newTestLib(t, DefaultOptions())
	d := lib.Dispatcher()

	go func() {
		time.Sleep(20 * time.Millisecond)
		d.Wake()
	}()

	start := time.Now()
	_, err := d.Poll(5 * time.Second)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestRunStopsOnContextAndStop(t *testing.T) {
	lib := newTestLib(t, DefaultOptions())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- lib.Run(ctx, 10*time.Millisecond) }()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.True(t, lib.Dispatcher().Stopped())
}

package netlib

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ValentinKolb/dProxy/lib/util"
	"github.com/sourcegraph/conc/panics"
)

const (
	// DefaultPollInterval bounds how long one loop iteration waits for readiness
	DefaultPollInterval = 10 * time.Millisecond
	// DefaultMaxEvents is the number of readiness reports handled per iteration
	DefaultMaxEvents = 1024
)

// TimerID identifies a scheduled timer
type TimerID uint64

type timer struct {
	fn       func(now time.Time)
	interval time.Duration
	periodic bool
}

// Dispatcher is the readiness loop. It waits on the poller, routes readiness
// to the registered sockets, fires due timers and finally runs the loop
// hooks, once per iteration and always on the goroutine that calls Run or
// Poll.
//
// Register, Unregister, the timer functions, Wake and Stop may be called
// from any goroutine.
type Dispatcher struct {
	poller   poller
	registry *Registry
	mode     WriteMode

	mu        sync.Mutex
	interests map[Handle]Interest
	hooks     []func()
	timers    *util.MapHeap
	timerFns  map[uint64]*timer
	nextTimer uint64

	events  []readyEvent
	stopped atomic.Bool
	closed  atomic.Bool
	now     func() time.Time
}

// NewDispatcher creates a dispatcher routing readiness to the sockets of registry
func NewDispatcher(registry *Registry, mode WriteMode, maxEvents int) (*Dispatcher, error) {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	p, err := newPoller(mode, maxEvents)
	if err != nil {
		return nil, err
	}
	return &Dispatcher{
		poller:    p,
		registry:  registry,
		mode:      mode,
		interests: make(map[Handle]Interest),
		timers:    util.NewMapHeap(),
		timerFns:  make(map[uint64]*timer),
		events:    make([]readyEvent, maxEvents),
		now:       time.Now,
	}, nil
}

// Mode returns the write mode sockets are registered with
func (d *Dispatcher) Mode() WriteMode { return d.mode }

// --------------------------------------------------------------------------
// Interest registration
// --------------------------------------------------------------------------

// Register adds mask to the interest set of h. In edge mode any non-empty
// set registers everything at once.
func (d *Dispatcher) Register(h Handle, mask Interest) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	old := d.interests[h]
	next := old | mask
	if d.mode == WriteModeEdge && next != 0 {
		next = InterestAll
	}
	if next == old {
		return nil
	}
	if err := d.poller.control(h, old, next); err != nil {
		return fmt.Errorf("netlib: register %d for %s: %w", h, mask, err)
	}
	d.interests[h] = next
	return nil
}

// Unregister removes mask from the interest set of h. Removing the last
// condition removes h from the poller. In edge mode only removing
// everything has an effect.
func (d *Dispatcher) Unregister(h Handle, mask Interest) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	old, ok := d.interests[h]
	if !ok {
		return nil
	}
	next := old &^ mask
	if d.mode == WriteModeEdge && next != 0 {
		next = old
	}
	if next == old {
		return nil
	}
	if err := d.poller.control(h, old, next); err != nil {
		return fmt.Errorf("netlib: unregister %d from %s: %w", h, mask, err)
	}
	if next == 0 {
		delete(d.interests, h)
	} else {
		d.interests[h] = next
	}
	return nil
}

// Interest returns the current interest set of h
func (d *Dispatcher) Interest(h Handle) Interest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interests[h]
}

// --------------------------------------------------------------------------
// Hooks and timers
// --------------------------------------------------------------------------

// AddLoopHook registers fn to run at the end of every loop iteration
func (d *Dispatcher) AddLoopHook(fn func()) {
	d.mu.Lock()
	d.hooks = append(d.hooks, fn)
	d.mu.Unlock()
}

// AddTimer runs fn every interval on the loop goroutine
func (d *Dispatcher) AddTimer(interval time.Duration, fn func(now time.Time)) TimerID {
	if interval < time.Millisecond {
		interval = time.Millisecond
	}
	return d.schedule(interval, interval, true, fn)
}

// AfterFunc runs fn once on the loop goroutine after delay
func (d *Dispatcher) AfterFunc(delay time.Duration, fn func(now time.Time)) TimerID {
	return d.schedule(delay, 0, false, fn)
}

// RemoveTimer cancels a timer. It reports false if the timer already fired
// (one-shot) or never existed.
func (d *Dispatcher) RemoveTimer(id TimerID) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.timerFns[uint64(id)]; !ok {
		return false
	}
	delete(d.timerFns, uint64(id))
	d.timers.RemoveByKey(uint64(id))
	return true
}

func (d *Dispatcher) schedule(delay, interval time.Duration, periodic bool, fn func(now time.Time)) TimerID {
	d.mu.Lock()
	d.nextTimer++
	id := d.nextTimer
	d.timerFns[id] = &timer{fn: fn, interval: interval, periodic: periodic}
	d.timers.AddItem(id, uint64(d.now().Add(delay).UnixNano()))
	d.mu.Unlock()

	// a blocked wait must pick up the new deadline
	d.Wake()
	return TimerID(id)
}

// untilNextTimer returns the time left until the earliest deadline, or -1
func (d *Dispatcher) untilNextTimer(now time.Time) time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, deadline, ok := d.timers.Peek()
	if !ok {
		return -1
	}
	left := time.Duration(int64(deadline) - now.UnixNano())
	if left < 0 {
		return 0
	}
	return left
}

func (d *Dispatcher) fireTimers(now time.Time) {
	nowNs := uint64(now.UnixNano())
	for {
		d.mu.Lock()
		key, deadline, ok := d.timers.Peek()
		if !ok || deadline > nowNs {
			d.mu.Unlock()
			return
		}
		d.timers.PopMin()
		t := d.timerFns[key]
		if t.periodic {
			// missed ticks are skipped, not replayed
			next := deadline + uint64(t.interval)
			if next <= nowNs {
				next = nowNs + uint64(t.interval)
			}
			d.timers.AddItem(key, next)
		} else {
			delete(d.timerFns, key)
		}
		d.mu.Unlock()

		t.fn(now)
	}
}

func (d *Dispatcher) runHooks() {
	d.mu.Lock()
	hooks := d.hooks
	d.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}

// --------------------------------------------------------------------------
// Loop
// --------------------------------------------------------------------------

// Poll runs one loop iteration. It waits at most timeout (less if a timer
// is due earlier) and returns the number of readiness reports handled.
func (d *Dispatcher) Poll(timeout time.Duration) (int, error) {
	if d.closed.Load() {
		return 0, ErrClosed
	}

	if left := d.untilNextTimer(d.now()); left >= 0 && left < timeout {
		timeout = left
	}

	n, err := d.poller.wait(d.events, timeout)
	if err != nil {
		return 0, err
	}
	for i := 0; i < n; i++ {
		d.dispatch(d.events[i])
	}

	d.fireTimers(d.now())
	d.runHooks()
	return n, nil
}

// Run loops until Stop is called or ctx is done. Stop is terminal, a
// stopped dispatcher returns from Run immediately.
func (d *Dispatcher) Run(ctx context.Context, pollInterval time.Duration) error {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	release := context.AfterFunc(ctx, d.Stop)
	defer release()

	Logger.Infof("event loop started (mode=%s, poll=%s)", d.mode, pollInterval)
	for !d.stopped.Load() {
		if _, err := d.Poll(pollInterval); err != nil {
			return err
		}
	}
	Logger.Infof("event loop stopped")
	return nil
}

// Stop ends Run after the current iteration
func (d *Dispatcher) Stop() {
	d.stopped.Store(true)
	d.Wake()
}

// Stopped reports whether Stop was called
func (d *Dispatcher) Stopped() bool {
	return d.stopped.Load()
}

// Wake interrupts a blocking wait so hooks run without waiting for the poll
// interval
func (d *Dispatcher) Wake() {
	if d.closed.Load() {
		return
	}
	if err := d.poller.wake(); err != nil {
		Logger.Warningf("wakeup failed: %v", err)
	}
}

// Close releases the poller. Sockets are not touched.
func (d *Dispatcher) Close() error {
	if !d.closed.CompareAndSwap(false, true) {
		return nil
	}
	return d.poller.close()
}

// dispatch routes one readiness report. The socket is borrowed for the whole
// sequence, so closing it from a callback only takes effect afterwards. The
// order is read, then write, then exception, and later handlers are skipped
// once the socket was closed.
func (d *Dispatcher) dispatch(ev readyEvent) {
	tok, ok := d.registry.Borrow(ev.handle)
	if !ok {
		return
	}
	defer d.registry.Release(tok)
	s := tok.Socket()

	var pc panics.Catcher
	pc.Try(func() {
		if ev.ready&InterestRead != 0 {
			s.onRead()
		}
		if ev.ready&InterestWrite != 0 && s.open() {
			s.onWrite()
		}
		if ev.ready&InterestExcept != 0 && s.open() {
			s.onClose()
		}
	})
	if r := pc.Recovered(); r != nil {
		Logger.Errorf("callback for socket %d panicked, closing it: %v\n%s", ev.handle, r.Value, r.Stack)
		_ = s.Close()
	}
}

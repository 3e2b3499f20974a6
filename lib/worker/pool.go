// Package worker implements the fixed size pool that runs request handlers
// away from the event loop.
//
// Every worker owns a FIFO task queue. Submit picks a worker at random, so
// tasks of one connection may run in parallel and complete in any order.
package worker

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/eapache/queue"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"github.com/valyala/fastrand"
)

// Logger is the logger of the worker pool
var Logger = logger.GetLogger("worker")

// ErrPoolClosed is returned by Submit after Close
var ErrPoolClosed = errors.New("worker: pool closed")

// Task is a unit of work
type Task interface {
	Run()
}

// TaskFunc adapts a function to Task
type TaskFunc func()

// Run calls f
func (f TaskFunc) Run() { f() }

// Stats is a snapshot of the pool counters
type Stats struct {
	Workers   int
	Submitted uint64
	Completed uint64
	Panicked  uint64
	Pending   int
}

// Pool is a fixed set of worker goroutines
type Pool struct {
	workers []*worker
	wg      conc.WaitGroup
	closed  atomic.Bool

	submitted atomic.Uint64
	completed atomic.Uint64
	panicked  atomic.Uint64
}

type worker struct {
	id       int
	pool     *Pool
	mu       sync.Mutex
	cond     *sync.Cond
	tasks    *queue.Queue
	stopping bool
}

// NewPool starts size workers, size <= 0 uses one worker per CPU
func NewPool(size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}

	p := &Pool{workers: make([]*worker, size)}
	for i := range p.workers {
		w := &worker{id: i, pool: p, tasks: queue.New()}
		w.cond = sync.NewCond(&w.mu)
		p.workers[i] = w
		p.wg.Go(w.run)
	}

	Logger.Infof("started %d workers", size)
	return p
}

// Size returns the number of workers
func (p *Pool) Size() int { return len(p.workers) }

// Submit hands t to a randomly chosen worker
func (p *Pool) Submit(t Task) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	w := p.workers[fastrand.Uint32n(uint32(len(p.workers)))]
	if !w.add(t) {
		return ErrPoolClosed
	}
	p.submitted.Add(1)
	return nil
}

// Pending returns the number of queued, not yet started tasks
func (p *Pool) Pending() int {
	n := 0
	for _, w := range p.workers {
		w.mu.Lock()
		n += w.tasks.Length()
		w.mu.Unlock()
	}
	return n
}

// Stats returns a snapshot of the pool counters
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   len(p.workers),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Panicked:  p.panicked.Load(),
		Pending:   p.Pending(),
	}
}

// Close stops accepting tasks, lets the workers finish everything already
// queued and waits for them to exit. Calling Close twice is a no-op.
func (p *Pool) Close() {
	if !p.closed.CompareAndSwap(false, true) {
		return
	}
	for _, w := range p.workers {
		w.mu.Lock()
		w.stopping = true
		w.cond.Broadcast()
		w.mu.Unlock()
	}
	p.wg.Wait()
	Logger.Infof("all workers stopped")
}

func (w *worker) add(t Task) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopping {
		return false
	}
	w.tasks.Add(t)
	w.cond.Signal()
	return true
}

func (w *worker) run() {
	for {
		w.mu.Lock()
		for w.tasks.Length() == 0 && !w.stopping {
			w.cond.Wait()
		}
		if w.tasks.Length() == 0 {
			w.mu.Unlock()
			return
		}
		t := w.tasks.Remove().(Task)
		w.mu.Unlock()

		w.execute(t)
	}
}

func (w *worker) execute(t Task) {
	var pc panics.Catcher
	pc.Try(t.Run)
	if r := pc.Recovered(); r != nil {
		w.pool.panicked.Add(1)
		Logger.Errorf("worker %d: task panicked: %v\n%s", w.id, r.Value, r.Stack)
	}
	w.pool.completed.Add(1)
}

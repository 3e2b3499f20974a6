package worker

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestAllTasksRun tests that every submitted task runs exactly once
func TestAllTasksRun(t *testing.T) {
	p := NewPool(4)

	const n = 1000
	var ran atomic.Int64
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		require.NoError(t, p.Submit(TaskFunc(func() {
			ran.Add(1)
			wg.Done()
		})))
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("only %d of %d tasks ran", ran.Load(), n)
	}

	p.Close()
	stats := p.Stats()
	assert.Equal(t, int64(n), ran.Load())
	assert.Equal(t, uint64(n), stats.Submitted)
	assert.Equal(t, uint64(n), stats.Completed)
	assert.Equal(t, 4, stats.Workers)
}

// TestCloseDrainsQueuedTasks tests that Close waits for tasks that were accepted
func TestCloseDrainsQueuedTasks(t *testing.T) {
	p := NewPool(1)

	release := make(chan struct{})
	var ran atomic.Int64
	require.NoError(t, p.Submit(TaskFunc(func() { <-release; ran.Add(1) })))
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(TaskFunc(func() { ran.Add(1) })))
	}

	closed := make(chan struct{})
	go func() { p.Close(); close(closed) }()

	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return")
	}
	assert.Equal(t, int64(11), ran.Load())
}

// TestSubmitAfterClose tests the closed pool error
func TestSubmitAfterClose(t *testing.T) {
	p := NewPool(2)
	p.Close()
	p.Close()

	err := p.Submit(TaskFunc(func() {}))
	assert.ErrorIs(t, err, ErrPoolClosed)
}

// TestPanickingTaskDoesNotKillWorker tests panic recovery
func TestPanickingTaskDoesNotKillWorker(t *testing.T) {
	p := NewPool(1)
	defer p.Close()

	require.NoError(t, p.Submit(TaskFunc(func() { panic("boom") })))

	done := make(chan struct{})
	require.NoError(t, p.Submit(TaskFunc(func() { close(done) })))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not survive the panic")
	}
	assert.Equal(t, uint64(1), p.Stats().Panicked)
}

// TestDefaultSize tests that a non-positive size falls back to one worker per CPU
func TestDefaultSize(t *testing.T) {
	p := NewPool(0)
	defer p.Close()
	assert.Greater(t, p.Size(), 0)
}

func BenchmarkSubmit(b *testing.B) {
	p := NewPool(8)
	defer p.Close()

	var wg sync.WaitGroup
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		for pb.Next() {
			wg.Add(1)
			_ = p.Submit(TaskFunc(wg.Done))
		}
	})
	wg.Wait()
}

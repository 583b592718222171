package pool

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestPoolRunsSubmittedJobs(t *testing.T) {
	p := New("test", Config{CoreWorkers: 2, MaxWorkers: 4, QueueCapacity: 8}, zap.NewNop())
	defer p.Close()

	var count atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		p.Submit(func() {
			count.Add(1)
			wg.Done()
		})
	}
	wg.Wait()

	if got := count.Load(); got != 100 {
		t.Errorf("ran %d jobs, want 100", got)
	}
}

func TestPoolCallerRunsWhenSaturated(t *testing.T) {
	p := New("test", Config{CoreWorkers: 1, MaxWorkers: 1, QueueCapacity: 1}, zap.NewNop())
	defer p.Close()

	block := make(chan struct{})
	var wg sync.WaitGroup

	// Occupy the single worker and fill the queue.
	wg.Add(2)
	p.Submit(func() { <-block; wg.Done() })
	time.Sleep(10 * time.Millisecond)
	p.Submit(func() { <-block; wg.Done() })

	// The pool is saturated now; this job must run on the caller.
	ran := make(chan struct{})
	done := make(chan struct{})
	go func() {
		p.Submit(func() { close(ran) })
		close(done)
	}()

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("saturated Submit never ran the job on the caller")
	}
	<-done
	close(block)
	wg.Wait()
}

func TestPoolRecoversPanics(t *testing.T) {
	p := New("test", Config{CoreWorkers: 1, MaxWorkers: 1, QueueCapacity: 4}, zap.NewNop())
	defer p.Close()

	p.Submit(func() { panic("bad command") })

	// The worker must survive the panic and keep serving jobs.
	done := make(chan struct{})
	p.Submit(func() { close(done) })
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not survive a panicking job")
	}
}

func TestPoolCloseWaitsForWorkers(t *testing.T) {
	p := New("test", Config{CoreWorkers: 2, MaxWorkers: 4, QueueCapacity: 8}, zap.NewNop())

	var count atomic.Int64
	for i := 0; i < 10; i++ {
		p.Submit(func() { count.Add(1) })
	}
	p.Close()

	if got := count.Load(); got != 10 {
		t.Errorf("Close returned before all queued jobs ran: %d of 10", got)
	}

	// Submitting after Close still makes progress, on the caller.
	done := make(chan struct{})
	p.Submit(func() { close(done) })
	select {
	case <-done:
	default:
		t.Error("Submit after Close should run the job synchronously")
	}
}

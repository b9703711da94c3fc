// Package threadpool supplies the worker capability kernel launches run on and
// partitions a linear task space across it.
//
// Key components:
//   - Device: the capability a launch consumes (thread count and task submission)
//   - Pool: a fixed set of worker goroutines implementing Device
//   - Parallelize: splits [0, n) into per-worker partitions with work stealing
//   - LoopRunner: chains parallel loops behind a completion event
package threadpool

import (
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Device is the worker pool a parallel launch is dispatched on. Implementations
// must accept Schedule calls from any goroutine, including their own workers.
type Device interface {
	// NumThreads returns the number of tasks the device runs concurrently.
	NumThreads() int
	// Schedule runs task asynchronously on the device.
	Schedule(task func())
}

// Pool runs scheduled tasks on a fixed number of goroutines.
type Pool struct {
	threads int

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool

	group errgroup.Group
}

// New starts a pool with n worker goroutines. n <= 0 selects runtime.NumCPU().
func New(n int) *Pool {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	p := &Pool{threads: n}
	p.cond = sync.NewCond(&p.mu)
	for i := 0; i < n; i++ {
		p.group.Go(p.loop)
	}
	return p
}

// NumThreads implements Device.
func (p *Pool) NumThreads() int { return p.threads }

// Schedule implements Device. The queue is unbounded so workers may schedule
// follow-up tasks without deadlocking. After Close, tasks run on a fresh
// goroutine so completion events still resolve.
func (p *Pool) Schedule(task func()) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		go task()
		return
	}
	p.queue = append(p.queue, task)
	p.mu.Unlock()
	p.cond.Signal()
}

// Pending returns the number of queued tasks not yet picked up by a worker.
func (p *Pool) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}

// Close drains the queue and stops the workers. It blocks until every task
// queued before Close has run.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.cond.Broadcast()
	return p.group.Wait()
}

func (p *Pool) loop() error {
	for {
		p.mu.Lock()
		for len(p.queue) == 0 && !p.closed {
			p.cond.Wait()
		}
		if len(p.queue) == 0 {
			p.mu.Unlock()
			return nil
		}
		task := p.queue[0]
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.mu.Unlock()

		task()
	}
}

// Inline is a Device that runs every task on the calling goroutine. It reports
// a single thread.
type Inline struct{}

// NumThreads implements Device.
func (Inline) NumThreads() int { return 1 }

// Schedule implements Device.
func (Inline) Schedule(task func()) { task() }

// Package workers implements the per-accelerator worker pool: one long-lived
// goroutine per device slot, each pinned to its own OS thread.
//
// Pinning matters because accelerator runtimes keep per-thread state (the active
// device, for one): work submitted to slot i always runs on the same OS thread, so
// a task can select its device once and trust it stays selected for every later
// task on that slot. On Linux the pool can additionally pin each worker thread to a
// set of CPUs, see WithCPUAffinity.
package workers

import (
	"runtime"
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Task is a handle on one submitted piece of work. Wait blocks until it ran.
type Task struct {
	done chan struct{}
	err  error
}

// Wait blocks until the task ran and returns its error.
func (t *Task) Wait() error {
	<-t.done
	return t.err
}

type submission struct {
	task *Task
	fn   func() error
}

type options struct {
	cpusForSlot func(slot int) []int
}

// Option configures the pool created by New.
type Option func(*options)

// WithCPUAffinity pins each worker thread to the CPUs returned by cpusForSlot for
// its slot. An empty or nil return leaves the slot unpinned. Affinity is only
// applied on Linux; elsewhere it is ignored.
func WithCPUAffinity(cpusForSlot func(slot int) []int) Option {
	return func(o *options) { o.cpusForSlot = cpusForSlot }
}

// Pool runs tasks on a fixed set of worker slots. Tasks submitted to the same slot
// run in submission order on the same OS thread; distinct slots run in parallel.
type Pool struct {
	queues []chan submission
	wg     sync.WaitGroup

	// mu guards closed and every send to the queues, so Close cannot close a
	// queue under a concurrent Submit.
	mu     sync.RWMutex
	closed bool
}

// New creates a pool with one worker per slot, numbered 0 to n-1.
func New(n int, opts ...Option) (*Pool, error) {
	if n < 1 {
		return nil, errors.Errorf("worker pool needs at least one slot, got %d", n)
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	p := &Pool{queues: make([]chan submission, n)}
	for slot := 0; slot < n; slot++ {
		p.queues[slot] = make(chan submission, 64)
		var cpus []int
		if o.cpusForSlot != nil {
			cpus = o.cpusForSlot(slot)
		}
		p.wg.Add(1)
		go p.worker(slot, cpus)
	}
	return p, nil
}

func (p *Pool) worker(slot int, cpus []int) {
	defer p.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if len(cpus) > 0 {
		if err := setAffinity(cpus); err != nil {
			klog.Warningf("worker %d could not pin to CPUs %v: %v", slot, cpus, err)
		}
	}
	for sub := range p.queues[slot] {
		sub.task.err = runTask(sub.fn)
		close(sub.task.done)
	}
}

// runTask keeps a panicking task from taking down its worker thread.
func runTask(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Errorf("task panicked: %v", r)
		}
	}()
	return fn()
}

// Size returns the number of worker slots.
func (p *Pool) Size() int { return len(p.queues) }

// Submit schedules fn on the given slot and returns a Task to wait on. It fails if
// the slot is out of range or the pool is closed.
func (p *Pool) Submit(slot int, fn func() error) (*Task, error) {
	if slot < 0 || slot >= len(p.queues) {
		return nil, errors.Errorf("slot %d out of range, pool has %d slot(s)", slot, len(p.queues))
	}
	if fn == nil {
		return nil, errors.New("nil task")
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, errors.New("worker pool already closed")
	}
	task := &Task{done: make(chan struct{})}
	p.queues[slot] <- submission{task: task, fn: fn}
	return task, nil
}

// Close waits for all submitted tasks to finish and stops the workers. It is
// idempotent; Submit fails afterwards.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, q := range p.queues {
		close(q)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

// Package pool implements the bounded request executor: a task queue with
// backpressure in front of a semaphore-gated set of workers. Submission
// never blocks; a full queue or a shut-down pool refuses the task and the
// caller applies its own backpressure (the acceptor closes the connection).
//
// Worker capacity is gated by a golang.org/x/sync/semaphore.Weighted.
//
// © 2025 nvecd authors. MIT License.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/nvecd/nvecd/internal/metrics"
)

// Task is one unit of work. Panics inside a task are recovered and logged;
// they never take a worker down.
type Task func()

// Pool is the bounded executor.
type Pool struct {
	queue chan Task
	sem   *semaphore.Weighted
	size  int64

	activeWorkers atomic.Int64
	shuttingDown  atomic.Bool
	dropQueued    atomic.Bool

	dispatcherWG sync.WaitGroup
	tasksWG      sync.WaitGroup

	log  *zap.Logger
	sink metrics.Sink
}

// Options sizes the pool.
type Options struct {
	Workers   int
	QueueSize int
	Logger    *zap.Logger
	Metrics   metrics.Sink
}

// New constructs and starts the pool.
func New(opts Options) *Pool {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueSize < 0 {
		opts.QueueSize = 0
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Noop()
	}
	p := &Pool{
		queue: make(chan Task, opts.QueueSize),
		sem:   semaphore.NewWeighted(int64(opts.Workers)),
		size:  int64(opts.Workers),
		log:   opts.Logger,
		sink:  opts.Metrics,
	}
	p.dispatcherWG.Add(1)
	go p.dispatch()
	return p
}

// Submit enqueues task. Returns false when the pool is shutting down or the
// queue is at capacity.
func (p *Pool) Submit(task Task) bool {
	if task == nil || p.shuttingDown.Load() {
		return false
	}
	select {
	case p.queue <- task:
		p.sink.SetPoolQueueDepth(len(p.queue))
		return true
	default:
		return false
	}
}

// ActiveWorkers reports the number of tasks currently executing.
func (p *Pool) ActiveWorkers() int { return int(p.activeWorkers.Load()) }

// QueueDepth reports the number of queued, not-yet-started tasks.
func (p *Pool) QueueDepth() int { return len(p.queue) }

// Shutdown closes submission and waits for the pool to quiesce.
//
// graceful = false drops queued tasks; graceful = true lets the queue
// drain. Either way, in-flight tasks are always joined — the timeout only
// bounds how long the drain is *waited for* before a warning; workers are
// never detached.
func (p *Pool) Shutdown(graceful bool, timeout time.Duration) {
	if !p.shuttingDown.CompareAndSwap(false, true) {
		return
	}

	if !graceful {
		// Drop whatever has not started yet.
		p.dropQueued.Store(true)
	drain:
		for {
			select {
			case <-p.queue:
			default:
				break drain
			}
		}
	}
	close(p.queue)

	if graceful && timeout > 0 {
		deadline := time.Now().Add(timeout)
		for time.Now().Before(deadline) {
			if len(p.queue) == 0 && p.activeWorkers.Load() == 0 {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		if len(p.queue) > 0 || p.activeWorkers.Load() > 0 {
			p.log.Warn("pool drain timeout expired; joining anyway",
				zap.Int("queued", len(p.queue)),
				zap.Int64("active", p.activeWorkers.Load()))
		}
	}

	p.dispatcherWG.Wait()
	p.tasksWG.Wait()
}

func (p *Pool) dispatch() {
	defer p.dispatcherWG.Done()
	for task := range p.queue {
		p.sink.SetPoolQueueDepth(len(p.queue))
		// Block until a worker slot frees; backpressure lives at Submit, so
		// an uncancellable acquire is fine here.
		if err := p.sem.Acquire(context.Background(), 1); err != nil {
			return
		}
		if p.dropQueued.Load() {
			// Ungraceful shutdown: a task already taken off the queue but
			// not yet started is dropped as well.
			p.sem.Release(1)
			continue
		}
		p.tasksWG.Add(1)
		p.activeWorkers.Add(1)
		go func(t Task) {
			defer func() {
				if r := recover(); r != nil {
					p.log.Error("task panicked", zap.Any("panic", r))
				}
				p.activeWorkers.Add(-1)
				p.sem.Release(1)
				p.tasksWG.Done()
			}()
			t()
		}(task)
	}
}

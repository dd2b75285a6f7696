// Package dispatch decouples the monitor thread from the scan pipeline
// with a bounded queue and a fixed pool of worker goroutines.
//
// Back-pressure rule: when the queue is full, Submit blocks the caller
// until a worker dequeues an entry or shutdown begins. Silent drops are
// forbidden — a dropped candidate is an un-scanned file, which is
// indistinguishable from a scanner bypass. Submit fails only once
// shutdown is in progress.
//
// Invariants:
//   - Every path accepted by Submit is handed to the work function
//     exactly once, or counted as discarded during shutdown drain.
//   - Shutdown wakes blocked submitters, stops workers after their
//     in-flight item, drains residual entries on the pool side, and
//     joins every worker before returning.

package dispatch

import (
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// ErrShutdown is returned by Submit once Shutdown has begun.
var ErrShutdown = errors.New("dispatch: pool is shutting down")

const (
	// DefaultWorkers is the worker count used when zero is requested.
	DefaultWorkers = 4

	// DefaultCapacity is the queue depth used when zero is requested.
	DefaultCapacity = 256
)

// Pool is the bounded work queue plus its consumers.
type Pool struct {
	queue  chan string
	stop   chan struct{}
	wg     sync.WaitGroup
	workFn func(path string)
	log    *zap.Logger

	stopOnce sync.Once

	submitted atomic.Uint64
	processed atomic.Uint64
	discarded atomic.Uint64
}

// NewPool creates the queue and starts the workers. workFn owns each
// dequeued path for the duration of the call and must not retain it.
func NewPool(workers, capacity int, workFn func(path string), log *zap.Logger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	p := &Pool{
		queue:  make(chan string, capacity),
		stop:   make(chan struct{}),
		workFn: workFn,
		log:    log,
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker(i)
	}
	return p
}

// Submit enqueues a candidate path, blocking while the queue is full.
// Returns ErrShutdown if the pool is stopping or stopped.
func (p *Pool) Submit(path string) error {
	select {
	case <-p.stop:
		return ErrShutdown
	default:
	}
	select {
	case p.queue <- path:
		p.submitted.Add(1)
		return nil
	case <-p.stop:
		return ErrShutdown
	}
}

// QueueLen returns the approximate queue depth. Lock-free; for metrics.
func (p *Pool) QueueLen() int {
	return len(p.queue)
}

// Processed returns the lifetime count of work function invocations.
func (p *Pool) Processed() uint64 {
	return p.processed.Load()
}

// Shutdown signals the workers, wakes any blocked submitter, joins all
// workers, and discards residual queue entries. Safe to call once; later
// calls are no-ops.
func (p *Pool) Shutdown() {
	p.stopOnce.Do(func() {
		close(p.stop)
		p.wg.Wait()

		for {
			select {
			case path := <-p.queue:
				p.discarded.Add(1)
				p.log.Debug("discarding undrained candidate", zap.String("path", path))
			default:
				if n := p.discarded.Load(); n > 0 {
					p.log.Warn("queue entries discarded at shutdown", zap.Uint64("count", n))
				}
				return
			}
		}
	})
}

// worker consumes the queue until shutdown.
func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stop:
			return
		case path := <-p.queue:
			p.workFn(path)
			p.processed.Add(1)
		}
	}
}

// Package workqueue implements the priority work queue and worker pool
// of §4.H: a FIFO per priority level with no length limit, guarded by
// one mutex with one condition variable for available work and one for
// a drained queue, served by a fixed set of worker goroutines. Two pool
// instances exist in the running server: the request pool (normal/high
// priority RPC dispatch) and the processing pool (segment encode and
// backend I/O, run at below-normal OS scheduling priority so request
// latency survives under load). The shutdown sequence (block, drain,
// wake) is grounded on the teacher's internal/parallelwork.Queue
// (EnqueueFront/EnqueueBack/Process) generalized to a long-lived pool,
// with the worker wait barrier built on golang.org/x/sync/errgroup
// instead of one-shot Process().
package workqueue

import (
	"context"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/simutrace/simutrace/internal/errkind"
	"github.com/simutrace/simutrace/internal/logging"
)

// Priority selects a work item's queue level (§4.H).
type Priority int

const (
	Low Priority = iota
	Normal
	High

	numPriorities = High + 1
)

// Item is a unit of work. It receives a context carrying the worker's
// published log scope (§9 "thread-local environment" redesign: an
// explicit context value rather than ambient thread-local storage).
type Item func(ctx context.Context) error

var log = logging.Module("simutrace/workqueue")

// Pool is a fixed set of worker goroutines draining a priority queue.
type Pool struct {
	name        string
	belowNormal bool

	mu        sync.Mutex
	cond      *sync.Cond
	queues    [numPriorities][]Item
	blocked   bool
	emptyCond *sync.Cond

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
	logBase *zap.Logger
}

// NewPool starts a pool of numWorkers goroutines (runtime.NumCPU() if
// numWorkers <= 0) draining queue levels High > Normal > Low. ctx is
// the root context (§9: "represent as an explicit root context"); the
// pool's own cancellation is derived from it. logBase is the zap
// logger each worker's published scope is built on; nil uses a no-op
// logger.
func NewPool(ctx context.Context, name string, numWorkers int, belowNormal bool, logBase *zap.Logger) *Pool {
	if numWorkers <= 0 {
		numWorkers = runtime.NumCPU()
	}

	if logBase == nil {
		logBase = zap.NewNop()
	}

	poolCtx, cancel := context.WithCancel(ctx)

	p := &Pool{
		name:        name,
		belowNormal: belowNormal,
		ctx:         poolCtx,
		cancel:      cancel,
		logBase:     logBase,
	}
	p.cond = sync.NewCond(&p.mu)
	p.emptyCond = sync.NewCond(&p.mu)

	group, _ := errgroup.WithContext(poolCtx)
	p.group = group

	for i := 0; i < numWorkers; i++ {
		workerIndex := i
		group.Go(func() error {
			p.runWorker(workerIndex)
			return nil
		})
	}

	return p
}

// Submit enqueues item at priority prio. It fails with InvalidOperation
// once the pool has started shutting down.
func (p *Pool) Submit(item Item, prio Priority) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.blocked {
		return errkind.New(errkind.InvalidOperation, "work queue is closed")
	}

	p.queues[prio] = append(p.queues[prio], item)
	p.cond.Signal()

	return nil
}

// Len returns the number of items currently queued across all
// priorities (used by internal/metrics for the queue-depth gauge).
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := 0
	for _, q := range p.queues {
		n += len(q)
	}

	return n
}

// dequeue returns the highest-priority pending item, blocking while the
// queue is open and empty. It returns ok=false once the pool is
// blocked (closing) and drained, the signal for a worker to exit.
func (p *Pool) dequeue() (Item, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		for prio := numPriorities - 1; prio >= 0; prio-- {
			if q := p.queues[prio]; len(q) > 0 {
				item := q[0]
				p.queues[prio] = q[1:]

				return item, true
			}
		}

		if p.blocked {
			p.emptyCond.Broadcast()
			return nil, false
		}

		p.cond.Wait()
	}
}

func (p *Pool) runWorker(index int) {
	ctx := logging.WithLogger(p.ctx, logging.NewZapSink(p.logBase, "scope", p.name, "worker", index))
	log(ctx).Debugw("worker started", "pool", p.name, "worker", index)

	applyBelowNormalPriority(p.belowNormal)

	for {
		item, ok := p.dequeue()
		if !ok {
			return
		}

		if err := item(ctx); err != nil {
			log(ctx).Warn("work item failed: %v", err)
		}
	}
}

// Close blocks new submissions, optionally drops the pending queue
// (dropQueue) instead of draining it, wakes all workers to observe
// the closed queue, and waits up to timeout for them to exit (§4.H,
// §5 "bounded close-timeout exists per session").
func (p *Pool) Close(dropQueue bool, timeout time.Duration) error {
	p.mu.Lock()
	p.blocked = true

	if dropQueue {
		for i := range p.queues {
			p.queues[i] = nil
		}

		p.emptyCond.Broadcast()
	} else {
		for p.hasWorkLocked() {
			p.emptyCond.Wait()
		}
	}

	p.cond.Broadcast()
	p.mu.Unlock()

	done := make(chan error, 1)

	go func() { done <- p.group.Wait() }()

	select {
	case err := <-done:
		p.cancel()
		return err
	case <-time.After(timeout):
		p.cancel()
		return errkind.New(errkind.Timeout, "work pool did not stop within the close timeout")
	}
}

func (p *Pool) hasWorkLocked() bool {
	for _, q := range p.queues {
		if len(q) > 0 {
			return true
		}
	}

	return false
}

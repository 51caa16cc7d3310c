// Package replica implements the replication replay engine: a decoder
// goroutine that pulls records off a redo stream and a bounded worker pool
// that carries out each operation's body while preserving per-transaction
// order.
package replica

import (
	"runtime"
	"sync"

	"github.com/shirou/gopsutil/cpu"
	"go.uber.org/atomic"

	"github.com/nimbusdb/redo/logger"
)

// WorkerHandle identifies one worker in a WorkerGroup. It is the affinity
// anchor the engine stores in a TxnEntry so every subsequent operation on
// the same transaction lands on the same worker.
type WorkerHandle int

// noWorker is the WorkerHandle meaning "no binding yet" — never a valid
// handle, since worker indices start at 0 and callers that
// need "any worker" call EnqueueAny instead of comparing against this.
const noWorker WorkerHandle = -1

// FailFunc is invoked each time a task panics. The replay
// engine wires this to its own panic-the-database handler.
type FailFunc func(cause interface{})

// WorkerGroup is a fixed-size pool of workers, each with its own bounded
// task queue. Tasks enqueued against the same WorkerHandle always run in
// the order they were enqueued; tasks against different handles may run
// concurrently. This is the Go-native replacement for a thread-per-worker
// pool with bounded queues: one goroutine per worker, one buffered channel
// per worker as its queue.
type WorkerGroup struct {
	workers []*worker
	fail    FailFunc
}

type worker struct {
	tasks chan func()
	depth atomic.Int64
	done  chan struct{}
}

// DefaultSize picks a worker count from maxThreads: zero or negative reads
// the logical CPU count (negative multiplies it), and the result is never
// less than 1.
func DefaultSize(maxThreads int) int {
	if maxThreads > 0 {
		return maxThreads
	}
	n, err := cpu.Counts(true)
	if err != nil || n < 1 {
		n = runtime.NumCPU()
	}
	if maxThreads < 0 {
		n *= -maxThreads
	}
	if n < 1 {
		n = 1
	}
	return n
}

// NewWorkerGroup starts size workers, each with a queue of the given
// depth. fail is called from the worker goroutine that observed a task
// panic, after the worker has recovered and is about to move on.
func NewWorkerGroup(size, queueDepth int, fail FailFunc) *WorkerGroup {
	if size < 1 {
		size = 1
	}
	if queueDepth < 1 {
		queueDepth = 1
	}
	g := &WorkerGroup{fail: fail}
	g.workers = make([]*worker, size)
	for i := range g.workers {
		w := &worker{tasks: make(chan func(), queueDepth), done: make(chan struct{})}
		g.workers[i] = w
		go g.run(w)
	}
	return g
}

func (g *WorkerGroup) run(w *worker) {
	defer close(w.done)
	for task := range w.tasks {
		g.execute(w, task)
	}
}

func (g *WorkerGroup) execute(w *worker, task func()) {
	defer w.depth.Dec()
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("replica: worker task panicked: %v", r)
			if g.fail != nil {
				g.fail(r)
			}
		}
	}()
	task()
}

// Enqueue runs task on the worker identified by hint, if hint is a valid
// handle from a prior Enqueue/EnqueueAny on this group; hint of -1 (or any
// out-of-range handle) is treated the same as EnqueueAny. It returns the
// handle of whichever worker actually took the task, so the caller can
// store it as a transaction's new affinity.
func (g *WorkerGroup) Enqueue(hint WorkerHandle, task func()) WorkerHandle {
	if int(hint) >= 0 && int(hint) < len(g.workers) {
		w := g.workers[hint]
		w.depth.Inc()
		w.tasks <- task
		return hint
	}
	return g.EnqueueAny(task)
}

// EnqueueAny runs task on the least-loaded worker.
func (g *WorkerGroup) EnqueueAny(task func()) WorkerHandle {
	best := WorkerHandle(0)
	bestDepth := g.workers[0].depth.Load()
	for i := 1; i < len(g.workers); i++ {
		if d := g.workers[i].depth.Load(); d < bestDepth {
			bestDepth = d
			best = WorkerHandle(i)
		}
	}
	w := g.workers[best]
	w.depth.Inc()
	w.tasks <- task
	return best
}

// Join blocks until every task enqueued before the call to Join has
// completed. It does this by enqueueing one barrier task per worker and
// waiting for all of them to run, which is sufficient because each
// worker's queue is FIFO.
func (g *WorkerGroup) Join() {
	var wg sync.WaitGroup
	wg.Add(len(g.workers))
	for _, w := range g.workers {
		w.tasks <- func() { wg.Done() }
	}
	wg.Wait()
}

// Close stops accepting new work and waits for every worker goroutine to
// exit after draining its queue.
func (g *WorkerGroup) Close() {
	for _, w := range g.workers {
		close(w.tasks)
	}
	for _, w := range g.workers {
		<-w.done
	}
}

// Size reports the number of workers in the group.
func (g *WorkerGroup) Size() int { return len(g.workers) }

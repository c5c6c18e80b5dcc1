// Package renderpool runs parallel compositor instances behind a
// priority task queue. Each worker owns an isolated Compositor; task
// results and failures return to callers as typed responses correlated
// by task id, never as panics.
package renderpool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stagecast/stagecast/internal/compose"
	"github.com/stagecast/stagecast/internal/layer"
	"github.com/stagecast/stagecast/internal/media"
)

// Priority orders task scheduling. An idle worker always drains the
// highest tier first; ties within a tier are FIFO.
type Priority int

// Task priorities, lowest to highest.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	priorityCount
)

// Sentinel errors returned to task submitters.
var (
	ErrPoolClosed    = errors.New("renderpool: pool closed")
	ErrWorkerCrashed = errors.New("renderpool: worker crashed during task")
)

// heapPressureBytes is the per-worker heap threshold above which a
// forced garbage pass runs before the next task.
const heapPressureBytes = 512 << 20

// Task is one render request.
type Task struct {
	Layers   []layer.Layer
	Priority Priority
}

// Result is the typed response for a completed task, correlated to the
// submission by TaskID.
type Result struct {
	TaskID   uint64
	Frame    *media.Frame
	Err      error
	Duration time.Duration
}

type pendingTask struct {
	id       uint64
	layers   []layer.Layer
	resp     chan Result
	enqueued time.Time
}

// Stats is a point-in-time snapshot of pool activity.
type Stats struct {
	Workers      int   `json:"workers"`
	QueuedTasks  int   `json:"queuedTasks"`
	Completed    int64 `json:"completed"`
	Errors       int64 `json:"errors"`
	Replacements int64 `json:"replacements"`
	LastTaskNs   int64 `json:"lastTaskNs"`
}

// Pool schedules render tasks across a fixed set of workers.
type Pool struct {
	log    *slog.Logger
	width  int
	height int
	size   int

	mu     sync.Mutex
	cond   *sync.Cond
	queues [priorityCount][]*pendingTask
	closed bool

	nextID       atomic.Uint64
	completed    atomic.Int64
	errorCount   atomic.Int64
	replacements atomic.Int64
	lastTaskNs   atomic.Int64

	wg sync.WaitGroup

	// renderFn is a test seam; production always composites.
	renderFn func(c *compose.Compositor, layers []layer.Layer) (*media.Frame, error)
}

// New creates a Pool with size workers rendering at the given canvas
// resolution. If log is nil, slog.Default() is used.
func New(size, width, height int, log *slog.Logger) (*Pool, error) {
	if size <= 0 {
		size = defaultWorkerCount()
	}
	if log == nil {
		log = slog.Default()
	}

	p := &Pool{
		log:    log.With("component", "renderpool"),
		width:  width,
		height: height,
		size:   size,
	}
	p.cond = sync.NewCond(&p.mu)
	p.renderFn = func(c *compose.Compositor, layers []layer.Layer) (*media.Frame, error) {
		return c.Composite(layers)
	}

	for i := 0; i < size; i++ {
		if err := p.spawnWorker(i); err != nil {
			p.Close()
			return nil, err
		}
	}
	p.log.Info("pool started", "workers", size)
	return p, nil
}

// defaultWorkerCount is roughly 75% of available cores, minimum one.
func defaultWorkerCount() int {
	n := (runtime.NumCPU() * 3) / 4
	if n < 1 {
		n = 1
	}
	return n
}

func (p *Pool) spawnWorker(index int) error {
	comp, err := compose.New(p.width, p.height, p.log)
	if err != nil {
		return fmt.Errorf("renderpool: worker %d compositor: %w", index, err)
	}
	w := &worker{
		pool:  p,
		index: index,
		comp:  comp,
		log:   p.log.With("worker", index),
	}
	p.wg.Add(1)
	go w.run()
	return nil
}

// Submit enqueues a task and waits for its typed result. Enqueueing is
// non-blocking; the wait resolves when a worker completes the task, the
// context is cancelled, or the pool closes.
func (p *Pool) Submit(ctx context.Context, task Task) Result {
	id := p.nextID.Add(1)
	pt := &pendingTask{
		id:       id,
		layers:   task.Layers,
		resp:     make(chan Result, 1),
		enqueued: time.Now(),
	}

	prio := task.Priority
	if prio < PriorityLow || prio >= priorityCount {
		prio = PriorityNormal
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return Result{TaskID: id, Err: ErrPoolClosed}
	}
	p.queues[prio] = append(p.queues[prio], pt)
	p.mu.Unlock()
	p.cond.Signal()

	select {
	case res := <-pt.resp:
		return res
	case <-ctx.Done():
		return Result{TaskID: id, Err: ctx.Err()}
	}
}

// dequeue blocks until a task is available or the pool closes, then
// returns the highest-priority FIFO task.
func (p *Pool) dequeue() (*pendingTask, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for {
		for prio := priorityCount - 1; prio >= PriorityLow; prio-- {
			if q := p.queues[prio]; len(q) > 0 {
				pt := q[0]
				p.queues[prio] = q[1:]
				return pt, true
			}
		}
		if p.closed {
			return nil, false
		}
		p.cond.Wait()
	}
}

// Stats returns a snapshot of queue depth and worker counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	queued := 0
	for _, q := range p.queues {
		queued += len(q)
	}
	p.mu.Unlock()

	return Stats{
		Workers:      p.size,
		QueuedTasks:  queued,
		Completed:    p.completed.Load(),
		Errors:       p.errorCount.Load(),
		Replacements: p.replacements.Load(),
		LastTaskNs:   p.lastTaskNs.Load(),
	}
}

// Close rejects all queued tasks and stops the workers. It blocks until
// every worker goroutine has exited.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	var orphaned []*pendingTask
	for prio := range p.queues {
		orphaned = append(orphaned, p.queues[prio]...)
		p.queues[prio] = nil
	}
	p.mu.Unlock()
	p.cond.Broadcast()

	for _, pt := range orphaned {
		pt.resp <- Result{TaskID: pt.id, Err: ErrPoolClosed}
	}
	p.wg.Wait()
}

// worker runs an isolated compositor in its own goroutine.
type worker struct {
	pool  *Pool
	index int
	comp  *compose.Compositor
	log   *slog.Logger
}

func (w *worker) run() {
	defer w.pool.wg.Done()

	for {
		pt, ok := w.pool.dequeue()
		if !ok {
			return
		}

		w.checkHeapPressure()

		crashed := w.execute(pt)
		if crashed {
			// Unconditional replacement: the crashed worker's compositor
			// state is suspect, so a fresh one takes its place.
			w.pool.replacements.Add(1)
			w.log.Error("worker crashed, replacing")
			if err := w.pool.spawnWorker(w.index); err != nil {
				w.log.Error("worker replacement failed", "error", err)
			}
			return
		}
	}
}

// execute runs one task, converting a panic into a typed crash response
// for the caller. Returns true if the worker must be replaced.
func (w *worker) execute(pt *pendingTask) (crashed bool) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			crashed = true
			w.pool.errorCount.Add(1)
			pt.resp <- Result{
				TaskID: pt.id,
				Err:    fmt.Errorf("%w: %v", ErrWorkerCrashed, r),
			}
		}
	}()

	frame, err := w.pool.renderFn(w.comp, pt.layers)
	dur := time.Since(start)
	w.pool.lastTaskNs.Store(dur.Nanoseconds())
	if err != nil {
		w.pool.errorCount.Add(1)
	} else {
		w.pool.completed.Add(1)
	}

	pt.resp <- Result{TaskID: pt.id, Frame: frame, Err: err, Duration: dur}
	return false
}

// checkHeapPressure forces a garbage pass when the heap crosses the
// pressure threshold.
func (w *worker) checkHeapPressure() {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	if ms.HeapAlloc > heapPressureBytes {
		w.log.Debug("heap pressure, forcing GC", "heapAlloc", ms.HeapAlloc)
		runtime.GC()
	}
}

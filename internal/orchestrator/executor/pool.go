package executor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/autopeer-io/robopeer/internal/orchestrator/core/model"
	"github.com/autopeer-io/robopeer/internal/pkg/metrics"
	"github.com/autopeer-io/robopeer/pkg/log"
)

var (
	// ErrPoolFull is returned by Submit when the chosen worker cannot take more units.
	ErrPoolFull = errors.New("worker queue full")
	// ErrUnknownWorker is returned by Submit for a worker that is not in the pool.
	ErrUnknownWorker = errors.New("unknown worker")
	// ErrWorkerRemoved is the result of units queued on a worker removed by Resize.
	ErrWorkerRemoved = errors.New("worker removed")
	// ErrPoolClosed is returned by Submit after Close.
	ErrPoolClosed = errors.New("worker pool closed")
)

// Unit is one task delivery, executed by a named worker.
type Unit struct {
	Worker string
	Task   *model.Task
	Robot  model.RobotState

	// DispatchID identifies this attempt; robots echo it in their acks.
	DispatchID string
}

// Result is how a unit ended on its worker.
type Result struct {
	Worker string
	Err    error
}

// Handle refers to a submitted unit.
type Handle struct {
	Worker string
	TaskID string
	done   <-chan Result
}

// WorkerPool runs units on a set of named workers.
type WorkerPool interface {
	Workers() []string
	// Submit queues a unit on u.Worker without blocking.
	Submit(ctx context.Context, u Unit) (Handle, error)
	// Await blocks until the unit ends or ctx is done.
	Await(ctx context.Context, h Handle) (Result, error)
}

// UnitRunner performs the actual delivery of a unit.
type UnitRunner interface {
	Run(ctx context.Context, u Unit) error
}

// UnitRunnerFunc adapts a function to UnitRunner.
type UnitRunnerFunc func(ctx context.Context, u Unit) error

func (f UnitRunnerFunc) Run(ctx context.Context, u Unit) error { return f(ctx, u) }

// WorkerStats are the counters of one worker.
type WorkerStats struct {
	Name      string `json:"name"`
	Processed int64  `json:"processed"`
	Failed    int64  `json:"failed"`
	Load      int64  `json:"load"`
}

type job struct {
	ctx  context.Context
	unit Unit
	done chan Result
}

type worker struct {
	name string
	jobs chan job
	quit chan struct{}

	processed atomic.Int64
	failed    atomic.Int64
	load      atomic.Int64
}

var _ WorkerPool = (*LocalPool)(nil)

// LocalPool is an in-process WorkerPool. Each worker runs its units in order.
type LocalPool struct {
	mu      sync.Mutex
	runner  UnitRunner
	workers []*worker
	seq     int
	depth   int
	closed  bool
	wg      sync.WaitGroup
	log     log.Logger
}

// NewLocalPool starts n workers, each with a queue of depth units.
func NewLocalPool(n, depth int, runner UnitRunner, logger log.Logger) (*LocalPool, error) {
	if runner == nil {
		return nil, errors.New("local pool requires a unit runner")
	}
	if depth < 1 {
		depth = 1
	}
	if logger == nil {
		logger = log.Std()
	}
	p := &LocalPool{runner: runner, depth: depth, log: logger.WithName("pool")}
	if err := p.Resize(n); err != nil {
		return nil, err
	}
	return p, nil
}

// Workers returns the current worker names in order.
func (p *LocalPool) Workers() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	names := make([]string, 0, len(p.workers))
	for _, w := range p.workers {
		names = append(names, w.name)
	}
	return names
}

// Resize grows or shrinks the pool to n workers. Removed workers are the most
// recently added ones; units still queued on them end with ErrWorkerRemoved.
func (p *LocalPool) Resize(n int) error {
	if n < 1 {
		return fmt.Errorf("pool size must be at least 1, got %d", n)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	for len(p.workers) < n {
		p.seq++
		w := &worker{
			name: fmt.Sprintf("worker-%d", p.seq),
			jobs: make(chan job, p.depth),
			quit: make(chan struct{}),
		}
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go p.loop(w)
	}
	for len(p.workers) > n {
		w := p.workers[len(p.workers)-1]
		p.workers = p.workers[:len(p.workers)-1]
		close(w.quit)
		metrics.WorkerLoad.DeleteLabelValues(w.name)
	}
	p.log.Debug("Pool resized", "workers", len(p.workers))
	return nil
}

// Submit implements WorkerPool. An empty u.Worker selects the first worker.
func (p *LocalPool) Submit(ctx context.Context, u Unit) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return Handle{}, ErrPoolClosed
	}
	w := p.lookupLocked(u.Worker)
	if w == nil {
		return Handle{}, fmt.Errorf("%w: %s", ErrUnknownWorker, u.Worker)
	}
	u.Worker = w.name

	j := job{ctx: ctx, unit: u, done: make(chan Result, 1)}
	load := w.load.Add(1)
	select {
	case w.jobs <- j:
	default:
		w.load.Add(-1)
		return Handle{}, fmt.Errorf("%w: %s", ErrPoolFull, w.name)
	}
	metrics.WorkerLoad.WithLabelValues(w.name).Set(float64(load))
	return Handle{Worker: w.name, TaskID: taskID(u), done: j.done}, nil
}

// Await implements WorkerPool.
func (p *LocalPool) Await(ctx context.Context, h Handle) (Result, error) {
	if h.done == nil {
		return Result{}, errors.New("invalid handle")
	}
	select {
	case res := <-h.done:
		return res, nil
	case <-ctx.Done():
		return Result{Worker: h.Worker}, ctx.Err()
	}
}

// Stats returns per-worker counters in worker order.
func (p *LocalPool) Stats() []WorkerStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]WorkerStats, 0, len(p.workers))
	for _, w := range p.workers {
		out = append(out, WorkerStats{
			Name:      w.name,
			Processed: w.processed.Load(),
			Failed:    w.failed.Load(),
			Load:      w.load.Load(),
		})
	}
	return out
}

// Close stops all workers and waits for running units to end.
func (p *LocalPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	for _, w := range p.workers {
		close(w.quit)
		metrics.WorkerLoad.DeleteLabelValues(w.name)
	}
	p.workers = nil
	p.mu.Unlock()

	p.wg.Wait()
}

func (p *LocalPool) lookupLocked(name string) *worker {
	if len(p.workers) == 0 {
		return nil
	}
	if name == "" {
		return p.workers[0]
	}
	for _, w := range p.workers {
		if w.name == name {
			return w
		}
	}
	return nil
}

func (p *LocalPool) loop(w *worker) {
	defer p.wg.Done()
	for {
		select {
		case <-w.quit:
			p.drain(w)
			return
		case j := <-w.jobs:
			select {
			case <-w.quit:
				p.reject(w, j)
				p.drain(w)
				return
			default:
			}
			p.run(w, j)
		}
	}
}

func (p *LocalPool) run(w *worker, j job) {
	err := j.ctx.Err()
	if err == nil {
		err = p.runner.Run(j.ctx, j.unit)
	}
	if err != nil {
		w.failed.Add(1)
		p.log.Debug("Unit failed", "worker", w.name, "taskID", taskID(j.unit), "err", err)
	} else {
		w.processed.Add(1)
	}
	metrics.WorkerLoad.WithLabelValues(w.name).Set(float64(w.load.Add(-1)))
	j.done <- Result{Worker: w.name, Err: err}
}

// drain fails every unit still queued on a removed worker.
func (p *LocalPool) drain(w *worker) {
	for {
		select {
		case j := <-w.jobs:
			p.reject(w, j)
		default:
			return
		}
	}
}

func (p *LocalPool) reject(w *worker, j job) {
	w.failed.Add(1)
	w.load.Add(-1)
	j.done <- Result{Worker: w.name, Err: ErrWorkerRemoved}
}

func taskID(u Unit) string {
	if u.Task == nil {
		return ""
	}
	return u.Task.TaskID
}

package harness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
)

// ErrPoolClosed is returned when submitting to a shut-down pool, and is
// the outcome of queued tasks discarded by ShutdownNow.
var ErrPoolClosed = errors.New("worker pool is shut down")

// Task is one unit of work executed by a Pool.
type Task interface {
	Call(ctx context.Context) (ActionResult, error)
}

// Discarder is implemented by tasks that hold resources released when
// ShutdownNow drops them unstarted.
type Discarder interface {
	Discard()
}

// Future is the completion handle of a submitted Task.
type Future struct {
	done chan struct{}
	res  ActionResult
	err  error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(res ActionResult, err error) {
	f.res = res
	f.err = err
	close(f.done)
}

// Done is closed once the task has finished.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the task finishes or ctx is done.
func (f *Future) Wait(ctx context.Context) (ActionResult, error) {
	select {
	case <-f.done:
		return f.res, f.err
	case <-ctx.Done():
		return ActionResult{}, ctx.Err()
	}
}

type job struct {
	task   Task
	future *Future
}

// Pool runs submitted tasks on a fixed number of goroutines. Tasks beyond
// the pool size wait in an unbounded FIFO queue.
type Pool struct {
	ctx   context.Context
	size  int
	group *errgroup.Group

	mu     sync.Mutex
	cond   *sync.Cond
	queue  []job
	closed bool

	active       atomic.Int32
	shutdownOnce sync.Once
	discarded    int
}

// NewPool starts size worker goroutines. Tasks receive ctx.
func NewPool(ctx context.Context, size int) (*Pool, error) {
	if size < 1 {
		return nil, fmt.Errorf("pool size must be at least 1, got %d", size)
	}

	p := &Pool{
		ctx:   ctx,
		size:  size,
		group: &errgroup.Group{},
	}
	p.cond = sync.NewCond(&p.mu)

	for i := 0; i < size; i++ {
		p.group.Go(p.loop)
	}

	return p, nil
}

// Size returns the number of worker goroutines.
func (p *Pool) Size() int {
	return p.size
}

// Active returns the number of tasks currently executing.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Submit queues t for execution.
func (p *Pool) Submit(t Task) (*Future, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, ErrPoolClosed
	}

	f := newFuture()
	p.queue = append(p.queue, job{task: t, future: f})
	p.cond.Signal()

	return f, nil
}

// Shutdown stops accepting tasks, lets queued tasks run and waits for the
// workers to exit. Only the first Shutdown or ShutdownNow has any effect.
func (p *Pool) Shutdown() {
	p.shutdown(false)
}

// ShutdownNow stops accepting tasks, resolves every queued task that has
// not started with ErrPoolClosed, after calling Discard on those that
// implement Discarder, and waits for running tasks to finish.
// It returns the number of discarded tasks.
func (p *Pool) ShutdownNow() int {
	p.shutdown(true)

	p.mu.Lock()
	defer p.mu.Unlock()

	return p.discarded
}

func (p *Pool) shutdown(discard bool) {
	p.shutdownOnce.Do(func() {
		p.mu.Lock()
		p.closed = true

		if discard {
			for _, j := range p.queue {
				if d, ok := j.task.(Discarder); ok {
					d.Discard()
				}

				j.future.resolve(ActionResult{}, ErrPoolClosed)
			}

			p.discarded = len(p.queue)
			p.queue = nil
		}

		p.cond.Broadcast()
		p.mu.Unlock()

		_ = p.group.Wait()
	})
}

func (p *Pool) loop() error {
	for {
		j, ok := p.next()
		if !ok {
			return nil
		}

		p.run(j)
	}
}

func (p *Pool) next() (job, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for len(p.queue) == 0 && !p.closed {
		p.cond.Wait()
	}

	if len(p.queue) == 0 {
		return job{}, false
	}

	j := p.queue[0]
	p.queue[0] = job{}
	p.queue = p.queue[1:]

	return j, true
}

// run executes one job. The active slot is released and the future is
// resolved even when the task panics.
func (p *Pool) run(j job) {
	p.active.Add(1)

	var (
		res ActionResult
		err error
	)

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}

		p.active.Add(-1)
		j.future.resolve(res, err)
	}()

	res, err = j.task.Call(p.ctx)
}

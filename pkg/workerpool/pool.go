package workerpool

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

// Pool manages a fixed set of workers
type Pool struct {
	config Config
	tasks  chan *task
	wg     sync.WaitGroup // running workers
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
	closed atomic.Bool

	stats *statsCollector

	// queued plus in-flight tasks, for Wait
	pending sync.WaitGroup
}

// New creates a worker pool and starts its workers
func New(config Config) (*Pool, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	pool := &Pool{
		config: config,
		tasks:  make(chan *task, config.QueueSize),
		ctx:    ctx,
		cancel: cancel,
		stats:  newStatsCollector(),
	}

	for i := 0; i < config.Workers; i++ {
		pool.wg.Add(1)
		pool.stats.activeWorkers.Add(1)
		go pool.worker()
	}

	return pool, nil
}

func (p *Pool) worker() {
	defer func() {
		p.wg.Done()
		p.stats.activeWorkers.Add(-1)
	}()

	for {
		select {
		case <-p.ctx.Done():
			return
		case t := <-p.tasks:
			p.execute(t)
		}
	}
}

// execute runs one task with panic recovery
func (p *Pool) execute(t *task) {
	defer p.pending.Done()

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			p.fail(&TaskError{
				Key:   t.key,
				Err:   fmt.Errorf("panic: %v", r),
				Stack: string(debug.Stack()),
			})
		}
		p.stats.recordTaskCompletion(time.Since(start))
	}()

	// Cancelled while queued: never start it
	if err := t.ctx.Err(); err != nil {
		p.fail(&TaskError{Key: t.key, Err: err})
		return
	}

	if err := t.fn(t.ctx); err != nil {
		p.fail(&TaskError{Key: t.key, Err: err})
	}
}

func (p *Pool) fail(err *TaskError) {
	p.stats.failedTasks.Add(1)
	if p.config.ErrorHandler != nil {
		p.config.ErrorHandler(err)
	}
}

// Submit queues a task, blocking while the queue is full. It returns
// ErrPoolClosed after Stop and ctx.Err() if ctx ends before the task is queued.
func (p *Pool) Submit(ctx context.Context, key string, fn TaskFunc) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	if ctx == nil {
		ctx = context.Background()
	}

	t := newTask(ctx, key, fn)
	p.pending.Add(1)

	select {
	case <-p.ctx.Done():
		p.pending.Done()
		return ErrPoolClosed
	case <-ctx.Done():
		p.pending.Done()
		return ctx.Err()
	case p.tasks <- t:
		return nil
	}
}

// TrySubmit queues a task without blocking, returning ErrQueueFull when
// there is no room
func (p *Pool) TrySubmit(ctx context.Context, key string, fn TaskFunc) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	t := newTask(ctx, key, fn)
	p.pending.Add(1)

	select {
	case p.tasks <- t:
		return nil
	default:
		p.pending.Done()
		p.stats.rejectedTasks.Add(1)
		return ErrQueueFull
	}
}

// Wait blocks until every submitted task has finished
func (p *Pool) Wait() {
	p.pending.Wait()
}

// Stop stops accepting tasks, lets queued tasks finish and stops the
// workers. It returns ErrForcedShutdown without waiting for running tasks
// when ShutdownTimeout elapses first.
func (p *Pool) Stop() error {
	var shutdownErr error

	p.once.Do(func() {
		p.closed.Store(true)

		drained := make(chan struct{})
		go func() {
			p.pending.Wait()
			close(drained)
		}()

		if p.config.ShutdownTimeout > 0 {
			timer := time.NewTimer(p.config.ShutdownTimeout)
			defer timer.Stop()
			select {
			case <-drained:
			case <-timer.C:
				shutdownErr = ErrForcedShutdown
			}
		} else {
			<-drained
		}

		p.cancel()
		if shutdownErr == nil {
			p.wg.Wait()
		}
	})

	return shutdownErr
}

// IsClosed returns true if pool is closed
func (p *Pool) IsClosed() bool {
	return p.closed.Load()
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return p.stats.snapshot(len(p.tasks))
}

// Package worker runs memory consolidation tasks in the background so the chat loop
// never waits on them.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aiox-platform/kbchat/internal/metrics"
)

var ErrPoolClosed = errors.New("worker pool closed")

const (
	DefaultWorkers   = 2
	DefaultQueueSize = 16
)

// TaskFunc is a unit of background work. The context is cancelled when the pool is
// closed without enough time to drain.
type TaskFunc func(ctx context.Context) error

type task struct {
	name string
	fn   TaskFunc
}

// Pool is a fixed set of goroutines draining a bounded task queue.
type Pool struct {
	tasks  chan task
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger

	workers  sync.WaitGroup
	inflight sync.WaitGroup
	active   atomic.Int32

	mu     sync.RWMutex
	closed bool
}

// NewPool starts workers goroutines reading from a queue of queueSize tasks.
func NewPool(workers, queueSize int, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize < 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		tasks:  make(chan task, queueSize),
		ctx:    ctx,
		cancel: cancel,
		logger: logger,
	}

	p.workers.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer p.workers.Done()
			for t := range p.tasks {
				p.run(t)
			}
		}()
	}
	return p
}

// Submit queues fn under name. It blocks while the queue is full and gives up when
// ctx is done.
func (p *Pool) Submit(ctx context.Context, name string, fn TaskFunc) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	p.inflight.Add(1)
	select {
	case p.tasks <- task{name: name, fn: fn}:
		metrics.TasksSubmittedTotal.Inc()
		return nil
	case <-ctx.Done():
		p.inflight.Done()
		return fmt.Errorf("submitting %s: %w", name, ctx.Err())
	}
}

func (p *Pool) run(t task) {
	defer p.inflight.Done()
	p.active.Add(1)
	defer p.active.Add(-1)

	start := time.Now()
	status := "success"
	defer func() {
		if r := recover(); r != nil {
			status = "panic"
			p.logger.Error("background task panicked", "task", t.name, "panic", r)
		}
		metrics.TasksCompletedTotal.WithLabelValues(t.name, status).Inc()
	}()

	if err := t.fn(p.ctx); err != nil {
		status = "error"
		p.logger.Error("background task failed", "task", t.name, "error", err, "duration", time.Since(start))
		return
	}
	p.logger.Debug("background task done", "task", t.name, "duration", time.Since(start))
}

// Active returns the number of tasks currently executing.
func (p *Pool) Active() int {
	return int(p.active.Load())
}

// Wait blocks until every submitted task has finished. Submissions racing with
// Wait may or may not be waited for.
func (p *Pool) Wait() {
	p.inflight.Wait()
}

// Close stops accepting tasks and waits for queued ones to finish. If ctx ends
// first, running tasks are cancelled and ctx's error is returned.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.workers.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		p.logger.Warn("worker pool closed before queue drained", "active", p.Active())
		return ctx.Err()
	}
}

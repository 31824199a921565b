// Package workerpool provides bounded-concurrency fan-out for I/O-bound
// batches such as per-item inventory lookups.
package workerpool

import (
	"context"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Task is a unit of work executed by the pool.
type Task func(ctx context.Context) error

// Pool runs batches of tasks with at most Workers of them in flight.
type Pool struct {
	workers int
	logger  *zap.Logger

	tasksRun    int64
	tasksFailed int64
}

// New creates a pool. A non-positive worker count falls back to 4, which is
// plenty for fanning out row lookups against a single database.
func New(workers int, logger *zap.Logger) *Pool {
	if workers <= 0 {
		workers = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{workers: workers, logger: logger}
}

// Run executes all tasks and waits for them to finish. The first error is
// returned; once an error occurs (or ctx is cancelled) unstarted tasks are
// skipped, but in-flight ones run to completion so callers never observe a
// half-running batch.
func (p *Pool) Run(ctx context.Context, tasks []Task) error {
	if len(tasks) == 0 {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queue := make(chan Task)
	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)

	workers := p.workers
	if workers > len(tasks) {
		workers = len(tasks)
	}

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for task := range queue {
				atomic.AddInt64(&p.tasksRun, 1)
				if err := task(ctx); err != nil {
					atomic.AddInt64(&p.tasksFailed, 1)
					errOnce.Do(func() {
						firstErr = err
						cancel()
					})
				}
			}
		}()
	}

	for _, task := range tasks {
		select {
		case <-ctx.Done():
		case queue <- task:
			continue
		}
		break
	}
	close(queue)
	wg.Wait()

	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// Stats holds cumulative pool counters.
type Stats struct {
	TasksRun    int64
	TasksFailed int64
}

// Stats returns cumulative counters across all Run calls.
func (p *Pool) Stats() Stats {
	return Stats{
		TasksRun:    atomic.LoadInt64(&p.tasksRun),
		TasksFailed: atomic.LoadInt64(&p.tasksFailed),
	}
}

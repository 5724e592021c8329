// Package pool bounds how many dispatched nodes a worker runs at once.
package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var ErrPoolClosed = errors.New("pool is closed")

// Task is one unit of work. Its context is the one passed to Submit.
type Task func(ctx context.Context) error

// Bounded runs each task on its own goroutine, at most Limit at a time.
// Submit blocks while the pool is full, so a queue consumer stops pulling
// requests it cannot run yet.
type Bounded struct {
	limit  int64
	sem    *semaphore.Weighted
	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
	logger *zap.Logger

	active    atomic.Int64
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panicked  atomic.Int64
}

// NewBounded returns a pool running at most limit tasks; limit < 1 means 1.
func NewBounded(limit int, logger *zap.Logger) *Bounded {
	if limit < 1 {
		limit = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bounded{
		limit:  int64(limit),
		sem:    semaphore.NewWeighted(int64(limit)),
		logger: logger.With(zap.String("component", "pool")),
	}
}

// Submit waits for a free slot and starts task.
func (b *Bounded) Submit(ctx context.Context, task Task) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrPoolClosed
	}
	if err := b.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	b.submitted.Add(1)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.sem.Release(1)

		b.active.Add(1)
		err := b.run(ctx, task)
		b.active.Add(-1)
		if err != nil {
			b.failed.Add(1)
			return
		}
		b.completed.Add(1)
	}()
	return nil
}

func (b *Bounded) run(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			b.panicked.Add(1)
			b.logger.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(ctx)
}

// Close rejects further submissions and waits for running tasks.
func (b *Bounded) Close() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.wg.Wait()
}

// Stats is a point-in-time snapshot of pool counters.
type Stats struct {
	Limit     int   `json:"limit"`
	Active    int   `json:"active"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panicked  int64 `json:"panicked"`
}

func (b *Bounded) Stats() Stats {
	return Stats{
		Limit:     int(b.limit),
		Active:    int(b.active.Load()),
		Submitted: b.submitted.Load(),
		Completed: b.completed.Load(),
		Failed:    b.failed.Load(),
		Panicked:  b.panicked.Load(),
	}
}

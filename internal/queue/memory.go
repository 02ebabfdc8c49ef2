package queue

import (
	"context"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// MemoryQueue is a buffered-channel queue for single-process deployments.
// Messages still buffered when the process exits are lost.
type MemoryQueue struct {
	ch      chan string
	workers int
	logger  *zap.Logger
}

// NewMemoryQueue creates a MemoryQueue with the given buffer and worker count.
func NewMemoryQueue(buffer, workers int, logger *zap.Logger) *MemoryQueue {
	if buffer <= 0 {
		buffer = 1024
	}
	if workers <= 0 {
		workers = 8
	}
	return &MemoryQueue{ch: make(chan string, buffer), workers: workers, logger: logger}
}

// Enqueue implements Queue. It never blocks; a full buffer returns ErrFull.
func (q *MemoryQueue) Enqueue(ctx context.Context, msg string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case q.ch <- msg:
		return nil
	default:
		return ErrFull
	}
}

// Len returns the number of buffered messages.
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Run implements Queue.
func (q *MemoryQueue) Run(ctx context.Context, h Handler) error {
	p := pool.New().WithMaxGoroutines(q.workers)
	defer p.Wait()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-q.ch:
			p.Go(func() {
				safeHandle(ctx, h, msg, q.logger)
			})
		}
	}
}

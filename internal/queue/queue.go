// Package queue provides the dispatch queue that decouples recording an event
// from attempting its webhook deliveries.
//
// Messages are opaque strings (delivery IDs in practice). A queue only has to
// be as durable as its backend: rows that never reach a worker are picked up
// again by the retry sweeper's scan for undispatched deliveries.
package queue

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// ErrFull is returned by Enqueue when an in-memory queue has no free capacity.
var ErrFull = errors.New("dispatch queue is full")

// Handler processes one message.
type Handler func(ctx context.Context, msg string) error

// Queue is a work queue with a bounded pool of consumers.
type Queue interface {
	// Enqueue adds msg without waiting for it to be processed.
	Enqueue(ctx context.Context, msg string) error

	// Run consumes messages with h until ctx is cancelled, then waits for
	// in-flight handlers to return.
	Run(ctx context.Context, h Handler) error
}

// safeHandle runs h and converts a panic into an error so one bad message
// cannot take down the worker pool.
func safeHandle(ctx context.Context, h Handler, msg string, logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("queue: handler panic", zap.String("msg", msg), zap.Any("panic", r))
		}
	}()
	if err := h(ctx, msg); err != nil {
		logger.Warn("queue: handler error", zap.String("msg", msg), zap.Error(err))
	}
}

// Config selects and sizes a queue implementation.
type Config struct {
	Driver   string // "memory" or "redis"
	RedisURL string
	Key      string
	Workers  int
	Buffer   int
}

// New builds the queue named by cfg.Driver.
func New(cfg Config, logger *zap.Logger) (Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return NewMemoryQueue(cfg.Buffer, cfg.Workers, logger), nil
	case "redis":
		return NewRedisQueue(cfg.RedisURL, cfg.Key, cfg.Workers, logger)
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
	}
}

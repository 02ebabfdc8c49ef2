package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-redis/redis/v8"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const (
	defaultRedisKey  = "auditrelay:deliveries"
	popTimeout       = time.Second
	maxReconnectWait = 30 * time.Second
)

// RedisQueue is a Redis list shared by every process pointing at the same
// key. Producers LPUSH and consumers BRPOP.
type RedisQueue struct {
	client  *redis.Client
	key     string
	workers int
	logger  *zap.Logger
}

// NewRedisQueue connects to redisURL (redis://host:port/db).
func NewRedisQueue(redisURL, key string, workers int, logger *zap.Logger) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return NewRedisQueueFromClient(redis.NewClient(opts), key, workers, logger), nil
}

// NewRedisQueueFromClient wraps an existing client.
func NewRedisQueueFromClient(client *redis.Client, key string, workers int, logger *zap.Logger) *RedisQueue {
	if key == "" {
		key = defaultRedisKey
	}
	if workers <= 0 {
		workers = 8
	}
	return &RedisQueue{client: client, key: key, workers: workers, logger: logger}
}

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, msg string) error {
	if err := q.client.LPush(ctx, q.key, msg).Err(); err != nil {
		return fmt.Errorf("redis lpush: %w", err)
	}
	return nil
}

// Len returns the number of queued messages.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.LLen(ctx, q.key).Result()
}

// Ping checks connectivity.
func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close releases the Redis connection pool.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

// Run implements Queue. Connection errors back off exponentially up to
// maxReconnectWait and never stop the loop.
func (q *RedisQueue) Run(ctx context.Context, h Handler) error {
	p := pool.New().WithMaxGoroutines(q.workers)
	defer p.Wait()

	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = maxReconnectWait

	for {
		if ctx.Err() != nil {
			return nil
		}

		res, err := q.client.BRPop(ctx, popTimeout, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			sleep := bo.NextBackOff()
			if sleep == backoff.Stop {
				sleep = maxReconnectWait
			}
			q.logger.Warn("queue: redis pop failed", zap.Error(err), zap.Duration("retry_in", sleep))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(sleep):
				continue
			}
		}
		bo.Reset()

		// BRPOP returns [key, value].
		if len(res) != 2 {
			continue
		}
		msg := res[1]
		p.Go(func() {
			safeHandle(ctx, h, msg, q.logger)
		})
	}
}

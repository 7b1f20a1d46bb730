package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"outbox/pkg/types"
)

// promoteScript moves due members of the delayed set onto the ready list.
var promoteScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, ARGV[2])
for _, v in ipairs(due) do
	redis.call('ZREM', KEYS[1], v)
	redis.call('LPUSH', KEYS[2], v)
end
return #due
`)

const promoteBatch = 100

// RedisQueue keeps ready jobs in a list (LPUSH/BRPOP) and delayed jobs in a
// sorted set scored by their due time in milliseconds.
type RedisQueue struct {
	client     *redis.Client
	key        string
	delayedKey string
	poll       time.Duration
	clock      clock.Clock
	logger     *zap.Logger
	closed     atomic.Bool
}

type RedisQueueOptions struct {
	Key string
	// Poll bounds how long Dequeue blocks before promoting delayed jobs again.
	Poll  time.Duration
	Clock clock.Clock
}

func NewRedisQueue(client *redis.Client, opts RedisQueueOptions, logger *zap.Logger) *RedisQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Key == "" {
		opts.Key = "outbox:deliveries"
	}
	if opts.Poll <= 0 {
		opts.Poll = time.Second
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &RedisQueue{
		client:     client,
		key:        opts.Key,
		delayedKey: opts.Key + ":delayed",
		poll:       opts.Poll,
		clock:      opts.Clock,
		logger:     logger,
	}
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *types.Job) error {
	if q.closed.Load() {
		return ErrClosed
	}
	data, err := encodeJob(job)
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job %s: %w", job.ID, err)
	}
	return nil
}

func (q *RedisQueue) Schedule(ctx context.Context, job *types.Job, at time.Time) error {
	if q.closed.Load() {
		return ErrClosed
	}
	if !at.After(q.clock.Now()) {
		return q.Enqueue(ctx, job)
	}
	data, err := encodeJob(job)
	if err != nil {
		return err
	}
	member := redis.Z{Score: float64(at.UnixMilli()), Member: data}
	if err := q.client.ZAdd(ctx, q.delayedKey, member).Err(); err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", job.ID, err)
	}
	return nil
}

// Promote moves delayed jobs that are due onto the ready list.
func (q *RedisQueue) Promote(ctx context.Context) (int64, error) {
	now := strconv.FormatInt(q.clock.Now().UnixMilli(), 10)
	n, err := promoteScript.Run(ctx, q.client, []string{q.delayedKey, q.key}, now, promoteBatch).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to promote delayed jobs: %w", err)
	}
	return n, nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (*types.Job, error) {
	for {
		if q.closed.Load() {
			return nil, ErrClosed
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if n, err := q.Promote(ctx); err != nil {
			q.logger.Warn("Failed to promote delayed jobs", zap.Error(err))
		} else if n > 0 {
			q.logger.Debug("Promoted delayed jobs", zap.Int64("count", n))
		}

		result, err := q.client.BRPop(ctx, q.poll, q.key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			q.logger.Warn("Failed to dequeue job, retrying", zap.Error(err))
			select {
			case <-q.clock.After(time.Second):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}

		// result is [key, value]
		if len(result) < 2 {
			continue
		}
		job, err := decodeJob([]byte(result[1]))
		if err != nil {
			q.logger.Error("Dropping undecodable job", zap.String("raw", result[1]), zap.Error(err))
			continue
		}
		return job, nil
	}
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.key)
	delayed := pipe.ZCard(ctx, q.delayedKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return Stats{Ready: ready.Val(), Delayed: delayed.Val()}, nil
}

// Close stops further use of the queue. The Redis client is owned by the caller.
func (q *RedisQueue) Close() error {
	q.closed.Store(true)
	return nil
}

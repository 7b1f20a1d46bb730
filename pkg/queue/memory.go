package queue

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"outbox/pkg/types"
)

// MemoryQueue is a channel-backed queue for tests and single-process runs.
// Jobs are lost on restart.
type MemoryQueue struct {
	ch    chan types.Job
	clock clock.Clock

	mu      sync.Mutex
	delayed map[*clock.Timer]struct{}
	done    chan struct{}
	closed  bool
}

func NewMemoryQueue(size int, clk clock.Clock) *MemoryQueue {
	if clk == nil {
		clk = clock.New()
	}
	return &MemoryQueue{
		ch:      make(chan types.Job, size),
		clock:   clk,
		delayed: make(map[*clock.Timer]struct{}),
		done:    make(chan struct{}),
	}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, job *types.Job) error {
	select {
	case <-q.done:
		return ErrClosed
	default:
	}

	select {
	case q.ch <- *job:
		return nil
	case <-q.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Schedule(ctx context.Context, job *types.Job, at time.Time) error {
	delay := at.Sub(q.clock.Now())
	if delay <= 0 {
		return q.Enqueue(ctx, job)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}

	copied := *job
	var timer *clock.Timer
	timer = q.clock.AfterFunc(delay, func() {
		q.mu.Lock()
		delete(q.delayed, timer)
		q.mu.Unlock()
		_ = q.Enqueue(context.Background(), &copied)
	})
	q.delayed[timer] = struct{}{}
	return nil
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*types.Job, error) {
	select {
	case job := <-q.ch:
		return &job, nil
	case <-q.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{Ready: int64(len(q.ch)), Delayed: int64(len(q.delayed))}, nil
}

// Close stops pending scheduled jobs and unblocks waiting consumers.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	for timer := range q.delayed {
		timer.Stop()
	}
	q.delayed = make(map[*clock.Timer]struct{})
	close(q.done)
	return nil
}

// Package queue carries delivery jobs from whatever produces them to the
// outbox workers.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"outbox/pkg/types"
)

// ErrClosed is returned by operations on a queue after Close.
var ErrClosed = errors.New("queue closed")

// Queue is a FIFO of delivery jobs with support for delayed re-delivery.
type Queue interface {
	Enqueue(ctx context.Context, job *types.Job) error
	// Schedule makes job visible to Dequeue no earlier than at.
	Schedule(ctx context.Context, job *types.Job, at time.Time) error
	// Dequeue blocks until a job is ready or ctx is done.
	Dequeue(ctx context.Context) (*types.Job, error)
	Stats(ctx context.Context) (Stats, error)
	Close() error
}

type Stats struct {
	Ready   int64 `json:"ready"`
	Delayed int64 `json:"delayed"`
}

func encodeJob(job *types.Job) ([]byte, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job %s: %w", job.ID, err)
	}
	return data, nil
}

func decodeJob(data []byte) (*types.Job, error) {
	var job types.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to decode job: %w", err)
	}
	return &job, nil
}

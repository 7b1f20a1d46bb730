package main

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"outbox/pkg/federation"
	"outbox/pkg/queue"
	"outbox/pkg/types"
)

// scriptedDeliverer answers every inbox with a fixed result.
type scriptedDeliverer struct {
	mu         sync.Mutex
	outcomes   map[string]federation.Result
	broadcasts int
	calls      [][]string
}

func (s *scriptedDeliverer) Broadcast(ctx context.Context, d federation.Delivery) ([]federation.Result, error) {
	s.mu.Lock()
	s.broadcasts++
	s.mu.Unlock()
	return s.DeliverTo(ctx, d, []string{"https://reach.example/inbox"})
}

func (s *scriptedDeliverer) DeliverTo(_ context.Context, _ federation.Delivery, inboxes []string) ([]federation.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, inboxes)
	results := make([]federation.Result, len(inboxes))
	for i, inbox := range inboxes {
		r, ok := s.outcomes[inbox]
		if !ok {
			r = federation.Result{Outcome: federation.OutcomeDelivered}
		}
		r.Inbox = inbox
		results[i] = r
	}
	return results, nil
}

func transientFailure() federation.Result {
	return federation.Result{
		Outcome: federation.OutcomeFailed,
		Err:     &federation.StatusError{StatusCode: 503, URL: "https://down.example/inbox"},
	}
}

func newTestRunner(d deliverer, mock *clock.Mock) (*jobRunner, *queue.MemoryQueue) {
	q := queue.NewMemoryQueue(10, mock)
	policy := federation.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Minute, MaxDelay: time.Hour}
	return newJobRunner(q, d, policy, mock, nil), q
}

func TestJobRunner_ReschedulesRetryableInboxes(t *testing.T) {
	mock := clock.NewMock()
	d := &scriptedDeliverer{outcomes: map[string]federation.Result{
		"https://down.example/inbox": transientFailure(),
		"https://gone.example/inbox": {Outcome: federation.OutcomeRejected, Err: &federation.StatusError{StatusCode: 410}},
	}}
	runner, q := newTestRunner(d, mock)
	defer q.Close()
	ctx := context.Background()

	job := &types.Job{
		ID:      "j1",
		Inboxes: []string{"https://ok.example/inbox", "https://down.example/inbox", "https://gone.example/inbox"},
	}
	runner.process(ctx, 0, job)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Delayed: 1}, stats)

	mock.Add(time.Minute)
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	retry, err := q.Dequeue(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, types.JobID("j1"), retry.ID)
	assert.Equal(t, 1, retry.Attempt)
	assert.Equal(t, []string{"https://down.example/inbox"}, retry.Inboxes)
}

func TestJobRunner_GivesUpAfterMaxAttempts(t *testing.T) {
	mock := clock.NewMock()
	d := &scriptedDeliverer{outcomes: map[string]federation.Result{
		"https://down.example/inbox": transientFailure(),
	}}
	runner, q := newTestRunner(d, mock)
	defer q.Close()
	ctx := context.Background()

	runner.process(ctx, 0, &types.Job{ID: "j2", Inboxes: []string{"https://down.example/inbox"}, Attempt: 2})

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{}, stats)
}

func TestJobRunner_JobMaxAttemptsOverridesPolicy(t *testing.T) {
	mock := clock.NewMock()
	d := &scriptedDeliverer{outcomes: map[string]federation.Result{
		"https://down.example/inbox": transientFailure(),
	}}
	runner, q := newTestRunner(d, mock)
	defer q.Close()
	ctx := context.Background()

	runner.process(ctx, 0, &types.Job{ID: "j3", Inboxes: []string{"https://down.example/inbox"}, Attempt: 2, MaxAttempts: 10})

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Delayed)
}

func TestJobRunner_EmptyInboxesBroadcasts(t *testing.T) {
	d := &scriptedDeliverer{}
	runner, q := newTestRunner(d, clock.NewMock())
	defer q.Close()

	runner.process(context.Background(), 0, &types.Job{ID: "j4", Status: types.Status{ID: "1"}})

	assert.Equal(t, 1, d.broadcasts)
}

func TestJobRunner_RunStopsWithContext(t *testing.T) {
	d := &scriptedDeliverer{}
	runner, q := newTestRunner(d, clock.NewMock())
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, q.Enqueue(ctx, &types.Job{ID: "j5", Inboxes: []string{"https://ok.example/inbox"}}))

	done := make(chan struct{})
	go func() {
		runner.Run(ctx, 2)
		close(done)
	}()

	require.Eventually(t, func() bool {
		d.mu.Lock()
		defer d.mu.Unlock()
		return len(d.calls) == 1
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("workers did not stop")
	}
}

// gatedDeliverer blocks each delivery until released and fails it the way the
// transport does when its context is canceled mid-request.
type gatedDeliverer struct {
	scriptedDeliverer
	started chan struct{}
	release chan struct{}
}

func (g *gatedDeliverer) DeliverTo(ctx context.Context, d federation.Delivery, inboxes []string) ([]federation.Result, error) {
	g.started <- struct{}{}
	<-g.release
	if err := ctx.Err(); err != nil {
		results := make([]federation.Result, len(inboxes))
		for i, inbox := range inboxes {
			results[i] = federation.Result{
				Inbox:   inbox,
				Outcome: federation.OutcomeFailed,
				Err:     &federation.TransportError{Op: "POST", Host: inbox, Err: err},
			}
		}
		return results, err
	}
	return g.scriptedDeliverer.DeliverTo(ctx, d, inboxes)
}

func TestJobRunner_ShutdownFinishesInFlightJob(t *testing.T) {
	mock := clock.NewMock()
	d := &gatedDeliverer{
		scriptedDeliverer: scriptedDeliverer{outcomes: map[string]federation.Result{
			"https://down.example/inbox": transientFailure(),
		}},
		started: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	runner, q := newTestRunner(d, mock)
	defer q.Close()

	ctx, cancel := context.WithCancel(context.Background())
	job := &types.Job{ID: "j6", Inboxes: []string{"https://ok.example/inbox", "https://down.example/inbox"}}
	require.NoError(t, q.Enqueue(ctx, job))

	done := make(chan struct{})
	go func() {
		runner.Run(ctx, 1)
		close(done)
	}()

	select {
	case <-d.started:
	case <-time.After(time.Second):
		t.Fatal("job was not picked up")
	}
	cancel()
	close(d.release)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("workers did not stop")
	}

	d.mu.Lock()
	assert.Equal(t, [][]string{job.Inboxes}, d.calls)
	d.mu.Unlock()

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, queue.Stats{Delayed: 1}, stats)

	mock.Add(time.Minute)
	waitCtx, waitCancel := context.WithTimeout(context.Background(), time.Second)
	defer waitCancel()
	retry, err := q.Dequeue(waitCtx)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://down.example/inbox"}, retry.Inboxes)
	assert.Equal(t, 1, retry.Attempt)
}

func TestReadPayload(t *testing.T) {
	_, err := readPayload(errReader{}, "-")
	assert.Error(t, err)

	_, err = readPayload(emptyReader{}, "-")
	assert.Error(t, err)
}

type errReader struct{}

func (errReader) Read([]byte) (int, error) { return 0, errors.New("broken pipe") }

type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, io.EOF }

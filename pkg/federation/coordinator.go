package federation

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"outbox/pkg/types"
)

// Outcome classifies what happened to one inbox in a broadcast.
type Outcome int

const (
	// OutcomeDelivered means the remote answered 2xx.
	OutcomeDelivered Outcome = iota
	// OutcomeRejected means the remote answered with a client error it will keep
	// returning for this payload. The endpoint is reachable, so its failure streak resets.
	OutcomeRejected
	// OutcomeFailed covers transport failures, guard rejections and retryable statuses.
	OutcomeFailed
	// OutcomeSkipped means the inbox was unavailable and nothing was sent.
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDelivered:
		return "delivered"
	case OutcomeRejected:
		return "rejected"
	case OutcomeFailed:
		return "failed"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Delivery is one event to federate.
type Delivery struct {
	ID       string
	ActorURI string
	Status   types.Status
	Payload  []byte
	// Worker identifies the calling worker for connection pooling.
	Worker int
}

// Result is the outcome for one inbox.
type Result struct {
	Inbox      string
	Outcome    Outcome
	StatusCode int
	Err        error
	Duration   time.Duration
}

// Coordinator runs a delivery end to end: reach, breaker filter, sign and send,
// then record the outcome with the breaker and statistics.
type Coordinator struct {
	reach     *ReachResolver
	failures  *FailureTracker
	stats     *StatsTracker
	signer    *RequestSigner
	transport *Transport

	concurrency int
	clock       clock.Clock
	metrics     *DeliveryMetrics
	logger      *zap.Logger
}

type CoordinatorOptions struct {
	// Concurrency bounds parallel requests within one broadcast.
	Concurrency int
	Clock       clock.Clock
	Metrics     *DeliveryMetrics
}

func NewCoordinator(
	reach *ReachResolver,
	failures *FailureTracker,
	stats *StatsTracker,
	signer *RequestSigner,
	transport *Transport,
	opts CoordinatorOptions,
	logger *zap.Logger,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	return &Coordinator{
		reach:       reach,
		failures:    failures,
		stats:       stats,
		signer:      signer,
		transport:   transport,
		concurrency: opts.Concurrency,
		clock:       opts.Clock,
		metrics:     opts.Metrics,
		logger:      logger,
	}
}

// Broadcast delivers d to every inbox its status reaches.
func (c *Coordinator) Broadcast(ctx context.Context, d Delivery) ([]Result, error) {
	if c.reach == nil {
		return nil, errors.New("broadcast requires a reach resolver")
	}
	return c.DeliverTo(ctx, d, c.reach.Resolve(ctx, d.Status).Sorted())
}

// DeliverTo delivers d to the given inboxes. Every inbox gets a Result in input
// order; the returned error aggregates the failed and rejected ones. One inbox
// failing never stops the others.
func (c *Coordinator) DeliverTo(ctx context.Context, d Delivery, inboxes []string) ([]Result, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	logger := c.logger.With(zap.String("delivery", d.ID), zap.String("actor", d.ActorURI))

	available, err := c.failures.Filter(ctx, inboxes)
	if err != nil {
		logger.Warn("Failed to filter unavailable inboxes, delivering to all", zap.Error(err))
		available = inboxes
	}
	send := make(map[string]bool, len(available))
	for _, inbox := range available {
		send[inbox] = true
	}
	c.metrics.observeBroadcast(len(available))

	results := make([]Result, len(inboxes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, inbox := range inboxes {
		if !send[inbox] {
			results[i] = Result{Inbox: inbox, Outcome: OutcomeSkipped}
			c.metrics.observeDelivery(OutcomeSkipped, 0)
			continue
		}
		i, inbox := i, inbox
		g.Go(func() error {
			results[i] = c.deliver(gctx, logger, d, inbox)
			return nil
		})
	}
	g.Wait()

	var errs error
	counts := make(map[Outcome]int)
	for _, r := range results {
		counts[r.Outcome]++
		if r.Err != nil {
			errs = multierr.Append(errs, fmt.Errorf("failed to deliver to %s: %w", r.Inbox, r.Err))
		}
	}

	logger.Info("Broadcast complete",
		zap.Int("inboxes", len(inboxes)),
		zap.Int("delivered", counts[OutcomeDelivered]),
		zap.Int("rejected", counts[OutcomeRejected]),
		zap.Int("failed", counts[OutcomeFailed]),
		zap.Int("skipped", counts[OutcomeSkipped]))
	return results, errs
}

func (c *Coordinator) deliver(ctx context.Context, logger *zap.Logger, d Delivery, inbox string) Result {
	start := c.clock.Now()
	result := Result{Inbox: inbox}

	req, err := c.signer.Build(ctx, http.MethodPost, inbox, d.Payload, d.ActorURI)
	if err != nil {
		// Nothing reached the remote: a missing key or unusable URL is our problem,
		// not evidence against the endpoint.
		result.Outcome = OutcomeFailed
		result.Err = err
		c.recordStats(ctx, logger, inbox, false)
		c.finish(logger, &result, start)
		return result
	}

	resp, err := c.transport.Perform(ctx, d.Worker, req)
	if err != nil {
		result.Outcome = OutcomeFailed
		result.Err = err
		if !errors.Is(err, context.Canceled) {
			c.recordFailure(ctx, logger, inbox)
		}
		c.recordStats(ctx, logger, inbox, false)
		c.finish(logger, &result, start)
		return result
	}
	resp.Close()
	result.StatusCode = resp.StatusCode

	statusErr := &StatusError{StatusCode: resp.StatusCode, URL: resp.URL.String()}
	switch {
	case resp.Success():
		result.Outcome = OutcomeDelivered
		c.recordReachable(ctx, logger, inbox)
		c.recordStats(ctx, logger, inbox, true)
	case statusErr.Unsalvageable():
		// The remote answered, so the endpoint is reachable even though it refused
		// this payload.
		result.Outcome = OutcomeRejected
		result.Err = statusErr
		c.recordReachable(ctx, logger, inbox)
		c.recordStats(ctx, logger, inbox, false)
	default:
		result.Outcome = OutcomeFailed
		result.Err = statusErr
		c.recordFailure(ctx, logger, inbox)
		c.recordStats(ctx, logger, inbox, false)
	}

	c.finish(logger, &result, start)
	return result
}

func (c *Coordinator) finish(logger *zap.Logger, result *Result, start time.Time) {
	result.Duration = c.clock.Since(start)
	c.metrics.observeDelivery(result.Outcome, result.Duration)

	if result.Err == nil {
		logger.Debug("Delivered",
			zap.String("inbox", result.Inbox),
			zap.Int("status", result.StatusCode),
			zap.Duration("duration", result.Duration))
		return
	}
	logger.Warn("Delivery failed",
		zap.String("inbox", result.Inbox),
		zap.String("outcome", result.Outcome.String()),
		zap.Int("status", result.StatusCode),
		zap.Bool("retryable", IsRetryable(result.Err)),
		zap.Error(result.Err))
}

func (c *Coordinator) recordReachable(ctx context.Context, logger *zap.Logger, inbox string) {
	if err := c.failures.TrackSuccess(ctx, inbox); err != nil {
		logger.Warn("Failed to record reachable inbox", zap.String("inbox", inbox), zap.Error(err))
	}
}

func (c *Coordinator) recordFailure(ctx context.Context, logger *zap.Logger, inbox string) {
	if err := c.failures.TrackFailure(ctx, inbox); err != nil {
		logger.Warn("Failed to record delivery failure", zap.String("inbox", inbox), zap.Error(err))
	}
}

func (c *Coordinator) recordStats(ctx context.Context, logger *zap.Logger, inbox string, success bool) {
	if c.stats == nil {
		return
	}
	host := InboxHost(inbox)
	var err error
	if success {
		err = c.stats.TrackSuccess(ctx, host)
	} else {
		err = c.stats.TrackFailure(ctx, host)
	}
	if err != nil {
		logger.Warn("Failed to record delivery stats", zap.String("host", host), zap.Error(err))
	}
}

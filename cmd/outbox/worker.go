package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"outbox/pkg/federation"
	"outbox/pkg/queue"
	"outbox/pkg/types"
)

func workerCmd() *cobra.Command {
	var workers int

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Consume delivery jobs from the queue",
		Long: `Runs delivery workers against the Redis job queue. Failed inboxes that may
succeed later are rescheduled with exponential backoff.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := setupLogger(verbose)
			defer logger.Sync()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if workers > 0 {
				cfg.Worker.Count = workers
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := openDelivery(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer svc.Close()

			if cfg.Metrics.Enabled {
				endpoint := federation.NewHealthEndpoint(svc.registry, svc.readinessChecks(), logger.Named("health"))
				server := federation.StartMetricsServer(cfg.Metrics.Address, endpoint, logger)
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					server.Shutdown(shutdownCtx)
				}()
			}

			if cfg.Inbound.Enabled {
				handler := newInboundHandler(svc.verifier, cfg.Inbound.Path, logger.Named("inbound"))
				server := startInboundServer(cfg.Inbound.Address, handler, logger)
				defer func() {
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					server.Shutdown(shutdownCtx)
				}()
			}

			runner := newJobRunner(svc.queue, svc.coordinator, federation.RetryPolicy{
				MaxAttempts:  cfg.Worker.MaxAttempts,
				BaseDelay:    cfg.Worker.RetryBase,
				MaxDelay:     cfg.Worker.RetryMax,
				JitterFactor: 0.2,
			}, nil, logger.Named("worker"))

			logger.Info("Starting delivery workers",
				zap.Int("workers", cfg.Worker.Count),
				zap.String("queue", cfg.Worker.QueueKey),
				zap.String("version", version))
			runner.Run(ctx, cfg.Worker.Count)
			logger.Info("Delivery workers stopped")
			return nil
		},
	}

	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "number of workers (overrides worker.count)")
	return cmd
}

// deliverer is the part of federation.Coordinator the workers use.
type deliverer interface {
	Broadcast(ctx context.Context, d federation.Delivery) ([]federation.Result, error)
	DeliverTo(ctx context.Context, d federation.Delivery, inboxes []string) ([]federation.Result, error)
}

// jobRunner pulls jobs off the queue and hands them to the coordinator.
type jobRunner struct {
	queue   queue.Queue
	deliver deliverer
	policy  federation.RetryPolicy
	clock   clock.Clock
	logger  *zap.Logger
}

func newJobRunner(q queue.Queue, d deliverer, policy federation.RetryPolicy, clk clock.Clock, logger *zap.Logger) *jobRunner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if clk == nil {
		clk = clock.New()
	}
	return &jobRunner{queue: q, deliver: d, policy: policy, clock: clk, logger: logger}
}

// Run starts n workers and blocks until ctx is done or the queue is closed.
// Jobs in flight when ctx ends are completed before Run returns.
func (r *jobRunner) Run(ctx context.Context, n int) {
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			r.work(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (r *jobRunner) work(ctx context.Context, worker int) {
	for {
		job, err := r.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			r.logger.Warn("Failed to dequeue job", zap.Int("worker", worker), zap.Error(err))
			continue
		}
		// Shutdown stops dequeueing only. A job already taken off the queue
		// finishes its requests and reschedules under a context that outlives ctx.
		r.process(context.WithoutCancel(ctx), worker, job)
	}
}

// process delivers one job and reschedules whatever may succeed later.
func (r *jobRunner) process(ctx context.Context, worker int, job *types.Job) {
	logger := r.logger.With(
		zap.Int("worker", worker),
		zap.String("job", string(job.ID)),
		zap.Int("attempt", job.Attempt))

	d := federation.Delivery{
		ID:       string(job.ID),
		ActorURI: job.ActorURI,
		Status:   job.Status,
		Payload:  job.Payload,
		Worker:   worker,
	}

	var results []federation.Result
	if len(job.Inboxes) == 0 {
		results, _ = r.deliver.Broadcast(ctx, d)
	} else {
		results, _ = r.deliver.DeliverTo(ctx, d, job.Inboxes)
	}

	retry := federation.RetryableInboxes(results)
	if len(retry) == 0 {
		return
	}

	policy := r.policy
	if job.MaxAttempts > 0 {
		policy.MaxAttempts = job.MaxAttempts
	}
	if policy.Exhausted(job.Attempt) {
		logger.Error("Giving up on inboxes after final attempt",
			zap.Strings("inboxes", retry),
			zap.Int("max_attempts", policy.MaxAttempts))
		return
	}

	next := *job
	next.Inboxes = retry
	next.Attempt = job.Attempt + 1
	at := r.clock.Now().Add(policy.Backoff(job.Attempt))
	if err := r.queue.Schedule(ctx, &next, at); err != nil {
		logger.Error("Failed to reschedule delivery", zap.Strings("inboxes", retry), zap.Error(err))
		return
	}
	logger.Info("Rescheduled delivery",
		zap.Int("inboxes", len(retry)),
		zap.Time("at", at))
}

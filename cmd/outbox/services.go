package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"outbox/pkg/auth"
	"outbox/pkg/config"
	"outbox/pkg/federation"
	"outbox/pkg/queue"
	"outbox/pkg/storage"
)

// services holds everything the commands construct from configuration.
// Fields a command does not need stay nil.
type services struct {
	cfg      *config.Config
	store    *storage.RedisStore
	queue    *queue.RedisQueue
	pg       *pgxpool.Pool
	registry *prometheus.Registry
	metrics  *federation.DeliveryMetrics

	failures    *federation.FailureTracker
	stats       *federation.StatsTracker
	transport   *federation.Transport
	coordinator *federation.Coordinator
	verifier    *federation.Verifier
	logger      *zap.Logger
}

// openStore connects to Redis and builds the trackers. Enough for the operator commands.
// metrics may be nil.
func openStore(cfg *config.Config, metrics *federation.DeliveryMetrics, logger *zap.Logger) *services {
	s := &services{cfg: cfg, metrics: metrics, logger: logger}
	s.store = storage.NewRedisStore(storage.RedisOptions{
		Address:   cfg.Redis.Address,
		Password:  cfg.Redis.Password,
		DB:        cfg.Redis.DB,
		KeyPrefix: cfg.Redis.KeyPrefix,
	}, logger)
	s.queue = queue.NewRedisQueue(s.store.Client(), queue.RedisQueueOptions{Key: cfg.Worker.QueueKey}, logger.Named("queue"))
	s.failures = federation.NewFailureTracker(s.store, federation.FailureTrackerOptions{
		Threshold: cfg.Tracker.FailureThreshold,
		Metrics:   metrics,
	}, logger.Named("failures"))
	s.stats = federation.NewStatsTracker(s.store, federation.StatsTrackerOptions{
		Retention: cfg.Tracker.StatsRetention,
	}, logger.Named("stats"))
	return s
}

func (s *services) openPostgres(ctx context.Context) error {
	if s.cfg.Postgres.DSN == "" {
		return fmt.Errorf("postgres.dsn is required")
	}
	pool, err := pgxpool.New(ctx, s.cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}
	s.pg = pool
	return nil
}

// openDelivery wires the full delivery path on top of openStore.
func openDelivery(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*services, error) {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	s := openStore(cfg, federation.NewDeliveryMetrics(registry), logger)
	s.registry = registry

	if err := s.openPostgres(ctx); err != nil {
		s.Close()
		return nil, err
	}

	keyStore := auth.NewPostgresKeyStore(s.pg, cfg.Postgres.LocalDomain)
	keys, err := auth.NewCachedKeyProvider(
		keyStore,
		cfg.Postgres.KeyCache,
		logger.Named("keys"))
	if err != nil {
		s.Close()
		return nil, err
	}

	tlsConfig, err := auth.BuildClientTLSConfig(auth.TLSOptions{
		CAFile:     cfg.Transport.CAFile,
		CADir:      cfg.Transport.CADir,
		MinVersion: cfg.Transport.MinTLSVersion,
	})
	if err != nil {
		s.Close()
		return nil, err
	}

	var resolver federation.Resolver
	if len(cfg.Transport.Nameservers) > 0 {
		resolver = federation.NewDNSResolver(cfg.Transport.Nameservers, cfg.Transport.DNSTimeout)
	}
	guard := federation.NewGuard(federation.GuardOptions{
		Resolver:       resolver,
		DNSTimeout:     cfg.Transport.DNSTimeout,
		AllowPrivate:   cfg.Transport.AllowPrivateAddresses,
		ConnectTimeout: cfg.Transport.ConnectTimeout,
	}, logger.Named("guard"))
	pool := federation.NewConnectionPool(federation.PoolOptions{
		MaxIdleTime:     cfg.Pool.MaxIdleTime,
		ReaperFrequency: cfg.Pool.ReaperFrequency,
		Factory: federation.GuardedClientFactory(guard, federation.ClientConfig{
			ConnectTimeout:  cfg.Transport.ConnectTimeout,
			ReadTimeout:     cfg.Transport.ReadTimeout,
			IdleConnTimeout: cfg.Pool.MaxIdleTime,
			TLSConfig:       tlsConfig,
		}),
		Metrics: s.metrics,
	}, logger.Named("pool"))
	s.transport = federation.NewTransport(federation.TransportOptions{
		Guard:            guard,
		Pool:             pool,
		MaxBodySize:      cfg.Transport.MaxBodySize,
		HostRateLimit:    cfg.Transport.HostRateLimit,
		HostRateBurst:    cfg.Transport.HostRateBurst,
		HostRateLimiters: cfg.Transport.HostRateLimiters,
		Metrics:          s.metrics,
	}, logger.Named("transport"))

	signer := federation.NewRequestSigner(keys, federation.SignerOptions{
		UserAgent: cfg.Transport.UserAgent,
	}, logger.Named("signer"))
	reach := federation.NewReachResolver(storage.NewPostgresRelationships(s.pg), logger.Named("reach"))

	s.coordinator = federation.NewCoordinator(reach, s.failures, s.stats, signer, s.transport,
		federation.CoordinatorOptions{
			Concurrency: cfg.Worker.Concurrency,
			Metrics:     s.metrics,
		}, logger.Named("coordinator"))
	s.verifier = federation.NewVerifier(keyStore, federation.VerifierOptions{
		Tracker:     s.failures,
		Metrics:     s.metrics,
		MaxBodySize: cfg.Transport.MaxBodySize,
	}, logger.Named("verifier"))
	return s, nil
}

func (s *services) readinessChecks() map[string]federation.ReadinessCheck {
	checks := map[string]federation.ReadinessCheck{
		"redis": func(ctx context.Context) error {
			return s.store.Client().Ping(ctx).Err()
		},
	}
	if s.pg != nil {
		checks["postgres"] = s.pg.Ping
	}
	return checks
}

func (s *services) Close() {
	if s.transport != nil {
		if err := s.transport.Close(); err != nil {
			s.logger.Warn("Failed to close transport", zap.Error(err))
		}
	}
	if s.queue != nil {
		s.queue.Close()
	}
	if s.pg != nil {
		s.pg.Close()
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			s.logger.Warn("Failed to close redis", zap.Error(err))
		}
	}
}

package federation

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// DeliveryMetrics tracks outbound delivery. A nil *DeliveryMetrics is valid and
// records nothing, so components can be built without a registry.
type DeliveryMetrics struct {
	// Delivery metrics
	Deliveries      *prometheus.CounterVec
	DeliveryLatency prometheus.Histogram
	BroadcastSize   prometheus.Histogram

	// Transport metrics
	RedirectsFollowed prometheus.Counter
	SSRFBlocked       prometheus.Counter
	BodyLimitExceeded prometheus.Counter
	RateLimitWait     prometheus.Histogram

	// Pool metrics
	PooledClients prometheus.Gauge
	PoolEvictions prometheus.Counter

	// Breaker metrics
	BreakerTrips  prometheus.Counter
	BreakerResets prometheus.Counter

	// Inbound verification
	SignatureVerifications *prometheus.CounterVec
}

// NewDeliveryMetrics creates and registers Prometheus metrics
func NewDeliveryMetrics(registry prometheus.Registerer) *DeliveryMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &DeliveryMetrics{
		Deliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_deliveries_total",
			Help: "Deliveries by outcome",
		}, []string{"outcome"}),
		DeliveryLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "outbox_delivery_duration_seconds",
			Help:    "Time from signing to response for one inbox",
			Buckets: prometheus.DefBuckets,
		}),
		BroadcastSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "outbox_broadcast_inboxes",
			Help:    "Inboxes addressed per broadcast after filtering",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}),

		RedirectsFollowed: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_redirects_followed_total",
			Help: "Redirect responses followed",
		}),
		SSRFBlocked: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_ssrf_blocked_total",
			Help: "Requests refused because the destination is not public",
		}),
		BodyLimitExceeded: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_body_limit_exceeded_total",
			Help: "Response bodies rejected for exceeding the size limit",
		}),
		RateLimitWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "outbox_rate_limit_wait_seconds",
			Help:    "Time spent waiting on the per-host rate limiter",
			Buckets: prometheus.DefBuckets,
		}),

		PooledClients: factory.NewGauge(prometheus.GaugeOpts{
			Name: "outbox_pooled_clients",
			Help: "Live pooled HTTP clients",
		}),
		PoolEvictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_pool_evictions_total",
			Help: "Pooled clients closed for being idle",
		}),

		BreakerTrips: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_breaker_trips_total",
			Help: "Inboxes marked unavailable",
		}),
		BreakerResets: factory.NewCounter(prometheus.CounterOpts{
			Name: "outbox_breaker_resets_total",
			Help: "Unavailable inboxes made available again",
		}),

		SignatureVerifications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "outbox_signature_verifications_total",
			Help: "Inbound signature checks by result",
		}, []string{"result"}),
	}
}

func (m *DeliveryMetrics) observeDelivery(outcome Outcome, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(outcome.String()).Inc()
	if outcome != OutcomeSkipped {
		m.DeliveryLatency.Observe(elapsed.Seconds())
	}
}

func (m *DeliveryMetrics) observeBroadcast(inboxes int) {
	if m != nil {
		m.BroadcastSize.Observe(float64(inboxes))
	}
}

func (m *DeliveryMetrics) redirectFollowed() {
	if m != nil {
		m.RedirectsFollowed.Inc()
	}
}

func (m *DeliveryMetrics) ssrfBlocked() {
	if m != nil {
		m.SSRFBlocked.Inc()
	}
}

func (m *DeliveryMetrics) bodyLimitExceeded() {
	if m != nil {
		m.BodyLimitExceeded.Inc()
	}
}

func (m *DeliveryMetrics) rateLimitWaited(d time.Duration) {
	if m != nil {
		m.RateLimitWait.Observe(d.Seconds())
	}
}

func (m *DeliveryMetrics) setPooledClients(n int) {
	if m != nil {
		m.PooledClients.Set(float64(n))
	}
}

func (m *DeliveryMetrics) evictedClients(n int) {
	if m != nil {
		m.PoolEvictions.Add(float64(n))
	}
}

func (m *DeliveryMetrics) breakerTripped() {
	if m != nil {
		m.BreakerTrips.Inc()
	}
}

func (m *DeliveryMetrics) breakerReset() {
	if m != nil {
		m.BreakerResets.Inc()
	}
}

func (m *DeliveryMetrics) signatureChecked(result string) {
	if m != nil {
		m.SignatureVerifications.WithLabelValues(result).Inc()
	}
}

// ReadinessCheck reports whether a dependency the worker needs is reachable.
type ReadinessCheck func(ctx context.Context) error

// HealthEndpoint provides HTTP health check endpoints
type HealthEndpoint struct {
	gatherer prometheus.Gatherer
	checks   map[string]ReadinessCheck
	started  time.Time
	logger   *zap.Logger
}

// NewHealthEndpoint creates health check HTTP handlers
func NewHealthEndpoint(gatherer prometheus.Gatherer, checks map[string]ReadinessCheck, logger *zap.Logger) *HealthEndpoint {
	if logger == nil {
		logger = zap.NewNop()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	return &HealthEndpoint{
		gatherer: gatherer,
		checks:   checks,
		started:  time.Now(),
		logger:   logger,
	}
}

// RegisterHandlers registers HTTP handlers
func (he *HealthEndpoint) RegisterHandlers(mux *http.ServeMux) {
	mux.HandleFunc("/health/live", he.handleLiveness)
	mux.HandleFunc("/health/ready", he.handleReadiness)
	mux.Handle("/metrics", promhttp.HandlerFor(he.gatherer, promhttp.HandlerOpts{}))
}

// handleLiveness checks if the service is alive
func (he *HealthEndpoint) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// handleReadiness runs every registered check and reports each result
func (he *HealthEndpoint) handleReadiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	results := make(map[string]string, len(he.checks))
	statusCode := http.StatusOK
	for name, check := range he.checks {
		if err := check(ctx); err != nil {
			he.logger.Warn("Readiness check failed", zap.String("check", name), zap.Error(err))
			results[name] = err.Error()
			statusCode = http.StatusServiceUnavailable
			continue
		}
		results[name] = "ok"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"ready":  statusCode == http.StatusOK,
		"checks": results,
		"uptime": time.Since(he.started).Round(time.Second).String(),
	})
}

// StartMetricsServer starts the metrics and health server
func StartMetricsServer(addr string, endpoint *HealthEndpoint, logger *zap.Logger) *http.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	mux := http.NewServeMux()
	endpoint.RegisterHandlers(mux)

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("Starting metrics server", zap.String("address", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()

	return server
}

// GetAlertingRules provides Prometheus alerting rule templates
func GetAlertingRules() string {
	return `
groups:
  - name: outbox_alerts
    interval: 30s
    rules:
      - alert: OutboxDeliveryFailures
        expr: rate(outbox_deliveries_total{outcome="failed"}[10m]) / rate(outbox_deliveries_total[10m]) > 0.5
        for: 15m
        labels:
          severity: warning
        annotations:
          summary: "More than half of outbound deliveries are failing"
          description: "Failure ratio is {{ $value }}"

      - alert: OutboxSSRFBlocks
        expr: increase(outbox_ssrf_blocked_total[1h]) > 10
        for: 5m
        labels:
          severity: warning
        annotations:
          summary: "Deliveries to non-public addresses are being attempted"
          description: "{{ $value }} requests were blocked in the last hour"

      - alert: OutboxBreakerTrips
        expr: increase(outbox_breaker_trips_total[1h]) > 20
        for: 5m
        labels:
          severity: info
        annotations:
          summary: "Many inboxes marked unavailable"
          description: "{{ $value }} inboxes tripped the breaker in the last hour"
`
}

package federation

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ClientConfig shapes the http.Client built for each pooled (worker, host) pair.
type ClientConfig struct {
	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration
	IdleConnTimeout time.Duration
	// TLSConfig is optional and only needed for private CAs.
	TLSConfig *tls.Config
}

// GuardedClientFactory builds pool clients that dial only through guard and never
// follow redirects on their own.
func GuardedClientFactory(guard *Guard, cfg ClientConfig) ClientFactory {
	return func(int, string) *http.Client {
		transport := &http.Transport{
			Proxy:                 nil,
			DialContext:           guard.DialContext,
			TLSClientConfig:       cfg.TLSConfig,
			TLSHandshakeTimeout:   cfg.ConnectTimeout,
			ResponseHeaderTimeout: cfg.ReadTimeout,
			IdleConnTimeout:       cfg.IdleConnTimeout,
			MaxIdleConnsPerHost:   2,
			ForceAttemptHTTP2:     true,
		}
		return &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		}
	}
}

// Transport executes signed requests: SSRF check, pooled client, at most one
// redirect, bounded response bodies.
type Transport struct {
	guard   *Guard
	pool    *ConnectionPool
	maxBody int64
	clock   clock.Clock
	metrics *DeliveryMetrics
	logger  *zap.Logger

	rateLimit rate.Limit
	rateBurst int
	mu        sync.Mutex
	limiters  *lru.Cache[string, *rate.Limiter]
}

// DefaultHostRateLimiters bounds how many per-host limiters are kept.
const DefaultHostRateLimiters = 4096

type TransportOptions struct {
	Guard       *Guard
	Pool        *ConnectionPool
	MaxBodySize int64
	// HostRateLimit is requests per second per host across all workers; zero disables it.
	HostRateLimit float64
	HostRateBurst int
	// HostRateLimiters caps the hosts with a live limiter; the least recently
	// contacted host is dropped first.
	HostRateLimiters int
	Clock            clock.Clock
	Metrics          *DeliveryMetrics
}

func NewTransport(opts TransportOptions, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Guard == nil {
		opts.Guard = NewGuard(GuardOptions{}, logger)
	}
	if opts.Pool == nil {
		opts.Pool = NewConnectionPool(PoolOptions{
			Factory: GuardedClientFactory(opts.Guard, ClientConfig{}),
			Metrics: opts.Metrics,
		}, logger)
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultMaxBodySize
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.HostRateBurst <= 0 {
		opts.HostRateBurst = 1
	}
	if opts.HostRateLimiters <= 0 {
		opts.HostRateLimiters = DefaultHostRateLimiters
	}
	// New only fails for a non-positive size.
	limiters, _ := lru.New[string, *rate.Limiter](opts.HostRateLimiters)
	return &Transport{
		guard:     opts.Guard,
		pool:      opts.Pool,
		maxBody:   opts.MaxBodySize,
		clock:     opts.Clock,
		metrics:   opts.Metrics,
		logger:    logger,
		rateLimit: rate.Limit(opts.HostRateLimit),
		rateBurst: opts.HostRateBurst,
		limiters:  limiters,
	}
}

// Perform sends req from the given worker. Non-2xx responses are returned, not
// treated as errors; only failures to complete an exchange are. A redirect is
// followed once, after the new destination passes normalization and the SSRF
// guard and the request has been signed again for it.
func (t *Transport) Perform(ctx context.Context, worker int, req *SignedRequest) (*Response, error) {
	resp, err := t.roundTrip(ctx, worker, req)
	if err != nil {
		return nil, err
	}

	location := resp.Header.Get("Location")
	if !isRedirect(resp.StatusCode) || location == "" {
		return resp, nil
	}
	resp.Close()

	next, err := req.URL.Parse(location)
	if err != nil {
		return nil, &ValidationError{Reason: "malformed redirect location", Err: err}
	}
	next, err = normalizeParsed(next)
	if err != nil {
		return nil, err
	}

	method, keepBody := redirectMethod(resp.StatusCode, req.Method)
	redirected := req.clone()
	if err := redirected.retarget(method, next, keepBody, t.clock.Now()); err != nil {
		return nil, err
	}

	t.metrics.redirectFollowed()
	t.logger.Debug("Following redirect",
		zap.String("from", req.URL.String()),
		zap.String("to", next.String()),
		zap.Int("status", resp.StatusCode))

	final, err := t.roundTrip(ctx, worker, redirected)
	if err != nil {
		return nil, err
	}
	final.Redirected = true
	return final, nil
}

func (t *Transport) roundTrip(ctx context.Context, worker int, req *SignedRequest) (*Response, error) {
	host := req.URL.Hostname()
	if _, err := t.guard.Resolve(ctx, host); err != nil {
		if errors.Is(err, ErrSSRFBlocked) {
			t.metrics.ssrfBlocked()
		}
		return nil, err
	}

	if err := t.wait(ctx, req.URL.Host); err != nil {
		return nil, &TransportError{Op: "rate limit", Host: host, Err: err}
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, req.URL.String(), bytes.NewReader(req.Body))
	if err != nil {
		return nil, &ValidationError{Reason: "failed to create request", Err: err}
	}
	httpReq.Header = req.Header.Clone()
	httpReq.Header.Del("Host")
	httpReq.Host = req.URL.Host

	var resp *http.Response
	err = t.pool.With(worker, req.URL.Host, func(client *http.Client) error {
		var doErr error
		resp, doErr = client.Do(httpReq)
		return doErr
	})
	if err != nil {
		return nil, classifyRequestError(host, err)
	}
	return newResponse(resp, req.URL, t.maxBody, t.metrics), nil
}

func (t *Transport) limiter(host string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()

	l, ok := t.limiters.Get(host)
	if !ok {
		l = rate.NewLimiter(t.rateLimit, t.rateBurst)
		t.limiters.Add(host, l)
	}
	return l
}

func (t *Transport) wait(ctx context.Context, host string) error {
	if t.rateLimit <= 0 {
		return nil
	}
	start := t.clock.Now()
	if err := t.limiter(host).Wait(ctx); err != nil {
		return err
	}
	t.metrics.rateLimitWaited(t.clock.Since(start))
	return nil
}

// Close releases pooled clients.
func (t *Transport) Close() error {
	return t.pool.Close()
}

// classifyRequestError keeps guard verdicts and transport errors from the dialer
// and wraps everything else as a TransportError.
func classifyRequestError(host string, err error) error {
	var validation *ValidationError
	if errors.As(err, &validation) {
		return validation
	}
	var transport *TransportError
	if errors.As(err, &transport) {
		return transport
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = urlErr.Err
	}
	return &TransportError{Op: "request", Host: host, Err: err}
}

func isRedirect(status int) bool {
	switch status {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// redirectMethod returns the method for the follow-up request and whether the
// body is resent.
func redirectMethod(status int, method string) (string, bool) {
	switch status {
	case http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return method, true
	case http.StatusSeeOther:
		if method == http.MethodHead {
			return method, false
		}
		return http.MethodGet, false
	default:
		if method == http.MethodGet || method == http.MethodHead {
			return method, false
		}
		return http.MethodGet, false
	}
}

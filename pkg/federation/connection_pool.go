package federation

import (
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"
)

// ClientFactory builds the persistent client for one (worker, host) pair.
type ClientFactory func(worker int, host string) *http.Client

// ConnectionPool hands out persistent HTTP clients keyed by worker and host.
// A client is never shared between hosts, and each worker gets its own so a slow
// remote cannot starve another worker's connections.
type ConnectionPool struct {
	mu      sync.Mutex
	clients map[poolKey]*pooledClient
	factory ClientFactory
	clock   clock.Clock
	metrics *DeliveryMetrics
	logger  *zap.Logger

	maxIdleTime time.Duration

	stopReaper chan struct{}
	reaperDone chan struct{}
	closeOnce  sync.Once
}

type poolKey struct {
	worker int
	host   string
}

type pooledClient struct {
	client   *http.Client
	created  time.Time
	lastUsed time.Time
	inUse    int
	useCount int64
}

type PoolOptions struct {
	MaxIdleTime time.Duration
	// ReaperFrequency of zero or less disables background flushing.
	ReaperFrequency time.Duration
	Factory         ClientFactory
	Clock           clock.Clock
	Metrics         *DeliveryMetrics
}

// PoolStatistics is a point-in-time view of the pool.
type PoolStatistics struct {
	Clients int
	InUse   int
	Hosts   int
	Workers int
	Uses    int64
}

func NewConnectionPool(opts PoolOptions, logger *zap.Logger) *ConnectionPool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.Factory == nil {
		opts.Factory = defaultClientFactory
	}
	if opts.MaxIdleTime <= 0 {
		opts.MaxIdleTime = 5 * time.Minute
	}

	cp := &ConnectionPool{
		clients:     make(map[poolKey]*pooledClient),
		factory:     opts.Factory,
		clock:       opts.Clock,
		metrics:     opts.Metrics,
		logger:      logger,
		maxIdleTime: opts.MaxIdleTime,
		stopReaper:  make(chan struct{}),
	}

	if opts.ReaperFrequency > 0 {
		ticker := cp.clock.Ticker(opts.ReaperFrequency)
		cp.reaperDone = make(chan struct{})
		go cp.reap(ticker)
	}

	return cp
}

func defaultClientFactory(int, string) *http.Client {
	return &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}
}

// With runs fn with the pooled client for (worker, host), creating it on first use.
// The client counts as in use until fn returns and is never flushed meanwhile.
func (cp *ConnectionPool) With(worker int, host string, fn func(*http.Client) error) error {
	pc := cp.checkout(poolKey{worker: worker, host: host})
	defer cp.checkin(pc)
	return fn(pc.client)
}

func (cp *ConnectionPool) checkout(key poolKey) *pooledClient {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	now := cp.clock.Now()
	pc, exists := cp.clients[key]
	if !exists {
		pc = &pooledClient{
			client:  cp.factory(key.worker, key.host),
			created: now,
		}
		cp.clients[key] = pc
		cp.metrics.setPooledClients(len(cp.clients))
		cp.logger.Debug("Created pooled client",
			zap.Int("worker", key.worker),
			zap.String("host", key.host))
	}
	pc.inUse++
	pc.useCount++
	pc.lastUsed = now
	return pc
}

func (cp *ConnectionPool) checkin(pc *pooledClient) {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	pc.inUse--
	pc.lastUsed = cp.clock.Now()
}

// Size returns the number of live clients.
func (cp *ConnectionPool) Size() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()
	return len(cp.clients)
}

// Flush closes every client idle for longer than the configured idle time and
// returns how many were removed.
func (cp *ConnectionPool) Flush() int {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	now := cp.clock.Now()
	removed := 0
	for key, pc := range cp.clients {
		if pc.inUse > 0 || now.Sub(pc.lastUsed) <= cp.maxIdleTime {
			continue
		}
		pc.client.CloseIdleConnections()
		delete(cp.clients, key)
		removed++
		cp.logger.Debug("Removed idle client",
			zap.Int("worker", key.worker),
			zap.String("host", key.host),
			zap.Int64("uses", pc.useCount))
	}

	if removed > 0 {
		cp.metrics.evictedClients(removed)
		cp.metrics.setPooledClients(len(cp.clients))
	}
	return removed
}

func (cp *ConnectionPool) reap(ticker *clock.Ticker) {
	defer close(cp.reaperDone)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			cp.Flush()
		case <-cp.stopReaper:
			return
		}
	}
}

// Statistics returns pool statistics.
func (cp *ConnectionPool) Statistics() PoolStatistics {
	cp.mu.Lock()
	defer cp.mu.Unlock()

	hosts := make(map[string]struct{})
	workers := make(map[int]struct{})
	stats := PoolStatistics{Clients: len(cp.clients)}
	for key, pc := range cp.clients {
		hosts[key.host] = struct{}{}
		workers[key.worker] = struct{}{}
		if pc.inUse > 0 {
			stats.InUse++
		}
		stats.Uses += pc.useCount
	}
	stats.Hosts = len(hosts)
	stats.Workers = len(workers)
	return stats
}

// Close stops the reaper and closes all clients.
func (cp *ConnectionPool) Close() error {
	cp.closeOnce.Do(func() {
		close(cp.stopReaper)
		if cp.reaperDone != nil {
			<-cp.reaperDone
		}
	})

	cp.mu.Lock()
	defer cp.mu.Unlock()

	for _, pc := range cp.clients {
		pc.client.CloseIdleConnections()
	}
	cp.clients = make(map[poolKey]*pooledClient)
	cp.metrics.setPooledClients(0)
	return nil
}

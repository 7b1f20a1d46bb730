package federation

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// testNet routes fake public addresses to local test servers so requests pass
// through the real guard and dialer.
type testNet struct {
	resolver *staticResolver
	routes   map[string]string // public ip -> listener address
}

func newTestNet() *testNet {
	return &testNet{
		resolver: &staticResolver{addrs: make(map[string][]string)},
		routes:   make(map[string]string),
	}
}

func (n *testNet) host(name, publicIP string, srv *httptest.Server) {
	n.resolver.addrs[name] = []string{publicIP}
	n.routes[publicIP] = srv.Listener.Addr().String()
}

func (n *testNet) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	ip, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	target, ok := n.routes[ip]
	if !ok {
		return nil, errors.New("no route to " + addr)
	}
	var d net.Dialer
	return d.DialContext(ctx, network, target)
}

func (n *testNet) transport(t *testing.T, metrics *DeliveryMetrics, maxBody int64) *Transport {
	t.Helper()
	guard := NewGuard(GuardOptions{Resolver: n.resolver, Dial: n.dial}, zap.NewNop())
	pool := NewConnectionPool(PoolOptions{
		Factory: GuardedClientFactory(guard, ClientConfig{
			ConnectTimeout: 2 * time.Second,
			ReadTimeout:    5 * time.Second,
			TLSConfig:      &tls.Config{InsecureSkipVerify: true},
		}),
		Metrics: metrics,
	}, nil)
	tr := NewTransport(TransportOptions{Guard: guard, Pool: pool, MaxBodySize: maxBody, Metrics: metrics}, nil)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func TestTransport_PerformPost(t *testing.T) {
	var gotHost, gotTarget, gotSignature string
	var gotBody []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotTarget = r.Method + " " + r.URL.RequestURI()
		gotSignature = r.Header.Get("Signature")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	n := newTestNet()
	n.host("remote.example", "93.184.216.34", srv)
	tr := n.transport(t, nil, 0)
	signer := newTestSigner(t, nil)

	req, err := signer.Build(context.Background(), http.MethodPost, "http://Remote.Example/users/bob/inbox", []byte(`{"a":1}`), testActorURI)
	require.NoError(t, err)

	resp, err := tr.Perform(context.Background(), 0, req)
	require.NoError(t, err)
	defer resp.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.True(t, resp.Success())
	assert.False(t, resp.Redirected)
	assert.Equal(t, "remote.example", gotHost)
	assert.Equal(t, "POST /users/bob/inbox", gotTarget)
	assert.NotEmpty(t, gotSignature)
	assert.Equal(t, `{"a":1}`, string(gotBody))
}

func TestTransport_RedirectToHTTPS(t *testing.T) {
	mockKeys := publicKeysFor(t)
	verifier := NewVerifier(mockKeys, VerifierOptions{}, nil)

	var finalMethod, finalTarget, finalHost string
	var verifyErr error
	final := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		finalMethod = r.Method
		finalTarget = r.URL.RequestURI()
		finalHost = r.Host
		body, _ := io.ReadAll(r.Body)
		_, verifyErr = verifier.Verify(r.Context(), r, body)
		w.Write([]byte("moved here"))
	}))
	defer final.Close()

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "HTTPS://EXAMPLE.net/Bar")
		w.WriteHeader(http.StatusFound)
	}))
	defer origin.Close()

	registry := prometheus.NewRegistry()
	metrics := NewDeliveryMetrics(registry)
	n := newTestNet()
	n.host("example.com", "93.184.216.34", origin)
	n.host("example.net", "93.184.216.35", final)
	tr := n.transport(t, metrics, 0)
	signer := newTestSigner(t, nil)

	req, err := signer.Build(context.Background(), http.MethodPost, "http://example.com/foo", []byte("{}"), testActorURI)
	require.NoError(t, err)

	resp, err := tr.Perform(context.Background(), 3, req)
	require.NoError(t, err)
	body, err := resp.ReadBody()
	require.NoError(t, err)

	assert.True(t, resp.Redirected)
	assert.Equal(t, "https", resp.URL.Scheme)
	assert.Equal(t, "example.net", resp.URL.Host)
	assert.Equal(t, "/Bar", resp.URL.Path)
	assert.Equal(t, "moved here", string(body))

	assert.Equal(t, http.MethodGet, finalMethod)
	assert.Equal(t, "/Bar", finalTarget)
	assert.Equal(t, "example.net", finalHost)
	assert.NoError(t, verifyErr)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RedirectsFollowed))

	// The caller's request is left untouched.
	assert.Equal(t, "http://example.com/foo", req.URL.String())
}

func TestTransport_FollowsAtMostOneRedirect(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		http.Redirect(w, r, "/next", http.StatusTemporaryRedirect)
	}))
	defer srv.Close()

	n := newTestNet()
	n.host("loop.example", "93.184.216.34", srv)
	tr := n.transport(t, nil, 0)
	signer := newTestSigner(t, nil)

	req, err := signer.Build(context.Background(), http.MethodPost, "http://loop.example/start", []byte("{}"), testActorURI)
	require.NoError(t, err)

	resp, err := tr.Perform(context.Background(), 0, req)
	require.NoError(t, err)
	defer resp.Close()

	assert.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
	assert.Equal(t, int32(2), atomic.LoadInt32(&hits))
}

func TestTransport_RedirectIntoPrivateNetworkIsBlocked(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "http://169.254.169.254/latest/meta-data")
		w.WriteHeader(http.StatusMovedPermanently)
	}))
	defer srv.Close()

	n := newTestNet()
	n.host("sneaky.example", "93.184.216.34", srv)
	tr := n.transport(t, nil, 0)
	signer := newTestSigner(t, nil)

	req, err := signer.Build(context.Background(), http.MethodGet, "http://sneaky.example/", nil, testActorURI)
	require.NoError(t, err)

	_, err = tr.Perform(context.Background(), 0, req)
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	assert.ErrorIs(t, err, ErrSSRFBlocked)
}

func TestTransport_SSRFGuard(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
	}))
	defer srv.Close()

	registry := prometheus.NewRegistry()
	metrics := NewDeliveryMetrics(registry)
	n := newTestNet()
	n.resolver.addrs["internal.example"] = []string{"127.0.0.1", "10.0.0.5"}
	n.resolver.addrs["mixed.example"] = []string{"10.0.0.5", "93.184.216.34"}
	n.routes["93.184.216.34"] = srv.Listener.Addr().String()
	tr := n.transport(t, metrics, 0)
	signer := newTestSigner(t, nil)
	ctx := context.Background()

	blocked, err := signer.Build(ctx, http.MethodPost, "http://internal.example/inbox", []byte("{}"), testActorURI)
	require.NoError(t, err)
	_, err = tr.Perform(ctx, 0, blocked)
	var validation *ValidationError
	require.ErrorAs(t, err, &validation)
	assert.ErrorIs(t, err, ErrSSRFBlocked)
	assert.False(t, IsRetryable(err))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.SSRFBlocked))

	allowed, err := signer.Build(ctx, http.MethodPost, "http://mixed.example/inbox", []byte("{}"), testActorURI)
	require.NoError(t, err)
	resp, err := tr.Perform(ctx, 0, allowed)
	require.NoError(t, err)
	resp.Close()

	assert.Equal(t, int32(1), atomic.LoadInt32(&hits))
}

func TestTransport_DNSFailureIsTransportError(t *testing.T) {
	n := newTestNet()
	tr := n.transport(t, nil, 0)
	signer := newTestSigner(t, nil)

	req, err := signer.Build(context.Background(), http.MethodPost, "http://nowhere.example/inbox", nil, testActorURI)
	require.NoError(t, err)

	_, err = tr.Perform(context.Background(), 0, req)
	var transport *TransportError
	require.ErrorAs(t, err, &transport)
	assert.True(t, IsRetryable(err))
}

func TestTransport_ConnectionRefusedIsTransportError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	n := newTestNet()
	n.host("down.example", "93.184.216.34", srv)
	srv.Close()

	tr := n.transport(t, nil, 0)
	signer := newTestSigner(t, nil)
	req, err := signer.Build(context.Background(), http.MethodPost, "http://down.example/inbox", nil, testActorURI)
	require.NoError(t, err)

	_, err = tr.Perform(context.Background(), 0, req)
	var transport *TransportError
	require.ErrorAs(t, err, &transport)
}

func TestResponse_BodyLimits(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 2<<20)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/declared":
			w.Header().Set("Content-Length", "2097152")
			w.Write(payload)
		case "/chunked":
			// Flushing before the body forces chunked transfer encoding.
			w.WriteHeader(http.StatusOK)
			w.(http.Flusher).Flush()
			w.Write(payload)
		case "/small":
			w.Write([]byte("ok"))
		}
	}))
	defer srv.Close()

	registry := prometheus.NewRegistry()
	metrics := NewDeliveryMetrics(registry)
	n := newTestNet()
	n.host("big.example", "93.184.216.34", srv)
	tr := n.transport(t, metrics, 0)
	signer := newTestSigner(t, nil)
	ctx := context.Background()

	perform := func(path string) *Response {
		req, err := signer.Build(ctx, http.MethodGet, "http://big.example"+path, nil, testActorURI)
		require.NoError(t, err)
		resp, err := tr.Perform(ctx, 0, req)
		require.NoError(t, err)
		return resp
	}

	for _, path := range []string{"/declared", "/chunked"} {
		t.Run("strict"+path, func(t *testing.T) {
			_, err := perform(path).ReadBody()
			var length *LengthValidationError
			require.ErrorAs(t, err, &length)
			assert.Equal(t, DefaultMaxBodySize, length.Limit)
			assert.False(t, IsRetryable(err))
			if path == "/declared" {
				assert.Equal(t, int64(2<<20), length.Declared)
			} else {
				assert.Equal(t, int64(-1), length.Declared)
			}
		})

		t.Run("truncated"+path, func(t *testing.T) {
			data := perform(path).ReadTruncated()
			assert.Less(t, int64(len(data)), DefaultMaxBodySize)
			assert.Len(t, data, int(DefaultMaxBodySize-1))
			assert.True(t, strings.HasPrefix(string(payload), string(data)))
		})
	}

	t.Run("small body", func(t *testing.T) {
		data, err := perform("/small").ReadBody()
		require.NoError(t, err)
		assert.Equal(t, "ok", string(data))
	})

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.BodyLimitExceeded))
}

func TestTransport_ReusesPooledClientPerHost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	n := newTestNet()
	n.host("a.example", "93.184.216.34", srv)
	n.host("b.example", "93.184.216.35", srv)
	guard := NewGuard(GuardOptions{Resolver: n.resolver, Dial: n.dial}, nil)
	pool := NewConnectionPool(PoolOptions{Factory: GuardedClientFactory(guard, ClientConfig{})}, nil)
	tr := NewTransport(TransportOptions{Guard: guard, Pool: pool}, nil)
	defer tr.Close()
	signer := newTestSigner(t, nil)
	ctx := context.Background()

	for _, u := range []string{"http://a.example/1", "http://a.example/2", "http://b.example/1"} {
		req, err := signer.Build(ctx, http.MethodPost, u, nil, testActorURI)
		require.NoError(t, err)
		resp, err := tr.Perform(ctx, 1, req)
		require.NoError(t, err)
		resp.Close()
	}

	stats := pool.Statistics()
	assert.Equal(t, 2, stats.Clients)
	assert.Equal(t, int64(3), stats.Uses)
}

func TestTransport_HostRateLimit(t *testing.T) {
	tr := NewTransport(TransportOptions{HostRateLimit: 5, HostRateBurst: 2}, nil)
	defer tr.Close()

	a := tr.limiter("a.example")
	assert.Same(t, a, tr.limiter("a.example"))
	assert.NotSame(t, a, tr.limiter("b.example"))
	assert.Equal(t, 2, a.Burst())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, tr.wait(context.Background(), "c.example"))
	assert.NoError(t, tr.wait(context.Background(), "c.example"))
	assert.Error(t, tr.wait(ctx, "c.example"))
}

func TestTransport_HostRateLimitersAreBounded(t *testing.T) {
	tr := NewTransport(TransportOptions{HostRateLimit: 5, HostRateLimiters: 2}, nil)
	defer tr.Close()

	a := tr.limiter("a.example")
	tr.limiter("b.example")
	tr.limiter("c.example")

	assert.Equal(t, 2, tr.limiters.Len())
	assert.False(t, tr.limiters.Contains("a.example"))
	assert.NotSame(t, a, tr.limiter("a.example"))
}

func TestRedirectMethod(t *testing.T) {
	tests := []struct {
		status   int
		method   string
		want     string
		keepBody bool
	}{
		{http.StatusFound, http.MethodPost, http.MethodGet, false},
		{http.StatusMovedPermanently, http.MethodPost, http.MethodGet, false},
		{http.StatusMovedPermanently, http.MethodGet, http.MethodGet, false},
		{http.StatusSeeOther, http.MethodPost, http.MethodGet, false},
		{http.StatusTemporaryRedirect, http.MethodPost, http.MethodPost, true},
		{http.StatusPermanentRedirect, http.MethodPost, http.MethodPost, true},
	}

	for _, tt := range tests {
		method, keep := redirectMethod(tt.status, tt.method)
		if method != tt.want || keep != tt.keepBody {
			t.Errorf("redirectMethod(%d, %s) = %s, %v; want %s, %v", tt.status, tt.method, method, keep, tt.want, tt.keepBody)
		}
	}
}

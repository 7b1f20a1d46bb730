package federation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

func TestDeliveryMetrics_Creation(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewDeliveryMetrics(registry)

	if metrics.Deliveries == nil {
		t.Error("Deliveries metric not created")
	}
	if metrics.PooledClients == nil {
		t.Error("PooledClients metric not created")
	}
	if metrics.BreakerTrips == nil {
		t.Error("BreakerTrips metric not created")
	}
}

func TestDeliveryMetrics_Updates(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewDeliveryMetrics(registry)

	metrics.observeDelivery(OutcomeDelivered, 20*time.Millisecond)
	metrics.observeDelivery(OutcomeDelivered, 30*time.Millisecond)
	metrics.observeDelivery(OutcomeFailed, time.Second)
	metrics.observeDelivery(OutcomeSkipped, 0)
	metrics.setPooledClients(3)
	metrics.evictedClients(2)
	metrics.breakerTripped()

	if v := testutil.ToFloat64(metrics.Deliveries.WithLabelValues("delivered")); v != 2 {
		t.Errorf("Expected 2 delivered, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.Deliveries.WithLabelValues("failed")); v != 1 {
		t.Errorf("Expected 1 failed, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.PooledClients); v != 3 {
		t.Errorf("Expected PooledClients=3, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.PoolEvictions); v != 2 {
		t.Errorf("Expected PoolEvictions=2, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.BreakerTrips); v != 1 {
		t.Errorf("Expected BreakerTrips=1, got %f", v)
	}
	if v := testutil.ToFloat64(metrics.Deliveries.WithLabelValues("skipped")); v != 1 {
		t.Errorf("Expected 1 skipped, got %f", v)
	}
}

func TestDeliveryMetrics_NilIsNoop(t *testing.T) {
	var metrics *DeliveryMetrics
	metrics.observeDelivery(OutcomeFailed, time.Second)
	metrics.ssrfBlocked()
	metrics.setPooledClients(1)
	metrics.signatureChecked("valid")
}

func TestHealthEndpoint_Handlers(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewDeliveryMetrics(registry)
	metrics.ssrfBlocked()

	var storeErr error
	checks := map[string]ReadinessCheck{
		"store": func(context.Context) error { return storeErr },
	}
	endpoint := NewHealthEndpoint(registry, checks, zap.NewNop())
	mux := http.NewServeMux()
	endpoint.RegisterHandlers(mux)

	t.Run("Liveness", func(t *testing.T) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest("GET", "/health/live", nil))

		if w.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", w.Code)
		}
		if w.Body.String() != "OK" {
			t.Errorf("Expected 'OK', got %s", w.Body.String())
		}
	})

	t.Run("Ready", func(t *testing.T) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest("GET", "/health/ready", nil))

		if w.Code != http.StatusOK {
			t.Errorf("Expected status 200, got %d", w.Code)
		}
		if !strings.Contains(w.Body.String(), `"store":"ok"`) {
			t.Errorf("Expected store check in body, got %s", w.Body.String())
		}
	})

	t.Run("NotReady", func(t *testing.T) {
		storeErr = errors.New("connection refused")
		defer func() { storeErr = nil }()

		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest("GET", "/health/ready", nil))

		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("Expected status 503, got %d", w.Code)
		}
		if !strings.Contains(w.Body.String(), "connection refused") {
			t.Errorf("Expected failure reason in body, got %s", w.Body.String())
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest("GET", "/metrics", nil))

		if !strings.Contains(w.Body.String(), "outbox_ssrf_blocked_total 1") {
			t.Error("Expected ssrf counter in exposition")
		}
	})
}

func TestAlertingRules(t *testing.T) {
	rules := GetAlertingRules()

	for _, alert := range []string{"OutboxDeliveryFailures", "OutboxSSRFBlocks", "OutboxBreakerTrips"} {
		if !strings.Contains(rules, alert) {
			t.Errorf("Alerting rules missing %s", alert)
		}
	}
}

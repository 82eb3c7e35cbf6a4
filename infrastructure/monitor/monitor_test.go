package monitor

import (
	"fmt"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"futures-exec/gateway"
	"futures-exec/internal/exchange"
	"futures-exec/internal/throttle"
	"futures-exec/order"
)

var (
	_ gateway.RequestObserver = (*Monitor)(nil)
	_ throttle.Recorder       = (*Monitor)(nil)
	_ exchange.Recorder       = (*Monitor)(nil)
	_ order.Recorder          = (*Monitor)(nil)
)

func TestObserveRequestOutcomes(t *testing.T) {
	m := New(Config{Namespace: "exec"})
	m.ObserveRequest("POST /fapi/v1/order", 20*time.Millisecond, nil)
	m.ObserveRequest("POST /fapi/v1/order", 30*time.Millisecond, &gateway.APIError{HTTPStatus: 400, Code: -2019})
	m.ObserveRequest("GET /fapi/v2/positionRisk", time.Second, &gateway.APIError{HTTPStatus: 429, Code: gateway.CodeTooManyRequests})
	m.ObserveRequest("GET /fapi/v2/positionRisk", time.Second, fmt.Errorf("dial: %w", io.ErrUnexpectedEOF))

	if v := testutil.ToFloat64(m.restRequests.WithLabelValues("POST /fapi/v1/order", "ok")); v != 1 {
		t.Fatalf("ok requests=%v", v)
	}
	if v := testutil.ToFloat64(m.restRequests.WithLabelValues("POST /fapi/v1/order", "api_error")); v != 1 {
		t.Fatalf("api errors=%v", v)
	}
	if v := testutil.ToFloat64(m.restRequests.WithLabelValues("GET /fapi/v2/positionRisk", "throttled")); v != 1 {
		t.Fatalf("throttled=%v", v)
	}
	if v := testutil.ToFloat64(m.restRequests.WithLabelValues("GET /fapi/v2/positionRisk", "transport_error")); v != 1 {
		t.Fatalf("transport errors=%v", v)
	}
}

func TestRecorders(t *testing.T) {
	m := New(Config{Namespace: "exec"})
	m.RecordThrottle()
	m.SetCooldown(true)
	m.SetStreamConnected("user", true)
	m.SetStreamConnected("user", false)
	m.IncStreamRebuild("user", "pong_timeout")
	m.IncKeepaliveFailure()
	m.IncOrderPlaced("LIMIT")
	m.IncOrderRejected("validation")
	m.SetIntentsPending("armed", 3)
	m.IncIntentOutcome("local", "succeeded")
	m.IncPersistFailure("protective")

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"throttled", testutil.ToFloat64(m.throttled), 1},
		{"cooldown", testutil.ToFloat64(m.cooldown), 1},
		{"connected", testutil.ToFloat64(m.streamConnected.WithLabelValues("user")), 0},
		{"rebuilds", testutil.ToFloat64(m.streamRebuilds.WithLabelValues("user", "pong_timeout")), 1},
		{"keepalive", testutil.ToFloat64(m.keepaliveFailures), 1},
		{"placed", testutil.ToFloat64(m.ordersPlaced.WithLabelValues("LIMIT")), 1},
		{"rejected", testutil.ToFloat64(m.ordersRejected.WithLabelValues("validation")), 1},
		{"pending", testutil.ToFloat64(m.intentsPending.WithLabelValues("armed")), 3},
		{"outcomes", testutil.ToFloat64(m.intentOutcomes.WithLabelValues("local", "succeeded")), 1},
		{"persist", testutil.ToFloat64(m.persistFailures.WithLabelValues("protective")), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Fatalf("%s: got %v want %v", c.name, c.got, c.want)
		}
	}
}

func TestHandlerExposesNamespacedMetrics(t *testing.T) {
	m := New(Config{Namespace: "exec"})
	m.IncOrderPlaced("MARKET")
	m.RegisterAge("market", "ticker_age_seconds", "最新行情年龄", func() time.Duration { return 1500 * time.Millisecond })

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body := rec.Body.String()
	if !strings.Contains(body, `exec_orders_placed_total{type="MARKET"} 1`) {
		t.Fatalf("missing order counter:\n%s", body)
	}
	if !strings.Contains(body, "exec_market_ticker_age_seconds 1.5") {
		t.Fatalf("missing age gauge:\n%s", body)
	}
	if strings.Contains(body, "go_goroutines") {
		t.Fatalf("runtime collectors should be off")
	}
}

package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	c, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v) failed: %v", labels, err)
	}
	m := &dto.Metric{}
	if err := c.Write(m); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	return m.Counter.GetValue()
}

func TestStatusBucket(t *testing.T) {
	tests := []struct {
		code int
		want string
	}{
		{100, "1xx"},
		{200, "2xx"},
		{201, "2xx"},
		{301, "3xx"},
		{400, "4xx"},
		{404, "4xx"},
		{500, "5xx"},
		{503, "5xx"},
	}

	for _, tt := range tests {
		if got := statusBucket(tt.code); got != tt.want {
			t.Errorf("statusBucket(%d) = %s, want %s", tt.code, got, tt.want)
		}
	}
}

func TestPolicyDecisionsCounter(t *testing.T) {
	PolicyDecisions.Reset()

	PolicyDecisions.WithLabelValues("deny").Inc()
	PolicyDecisions.WithLabelValues("deny").Inc()
	PolicyDecisions.WithLabelValues("allow").Inc()

	if got := counterValue(t, PolicyDecisions, "deny"); got != 2 {
		t.Errorf("deny counter = %f, want 2", got)
	}
	if got := counterValue(t, PolicyDecisions, "allow"); got != 1 {
		t.Errorf("allow counter = %f, want 1", got)
	}
}

func TestBreakerTransitionLabels(t *testing.T) {
	BreakerTransitions.Reset()

	BreakerTransitions.WithLabelValues("stripe:settle", "closed", "open").Inc()

	if got := counterValue(t, BreakerTransitions, "stripe:settle", "closed", "open"); got != 1 {
		t.Errorf("transition counter = %f, want 1", got)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/metrics", Handler())

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}

	body := w.Body.String()
	// Gauges always appear; counters/histograms only after first observation.
	if !strings.Contains(body, "paysentinel_active_websocket_clients") {
		t.Error("Expected metrics output to contain paysentinel_active_websocket_clients")
	}

	// Trigger counters so the families appear in the scrape.
	TransactionsRecorded.WithLabelValues("x402", "completed").Inc()
	AlertsFired.WithLabelValues("large_transaction", "warning").Inc()

	w = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/metrics", nil)
	r.ServeHTTP(w, req)
	body = w.Body.String()

	for _, name := range []string{
		"paysentinel_transactions_recorded_total",
		"paysentinel_alerts_fired_total",
	} {
		if !strings.Contains(body, name) {
			t.Errorf("Expected metrics output to contain %s", name)
		}
	}
}

func TestMiddleware_RecordsMetrics(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(Middleware())
	r.GET("/test", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/test", nil)
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

// Package metrics provides Prometheus instrumentation for the control plane.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paysentinel",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "paysentinel",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// TransactionsRecorded counts transactions written to the spend ledger,
	// by protocol and final status.
	TransactionsRecorded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paysentinel",
			Name:      "transactions_recorded_total",
			Help:      "Total transactions recorded in the spend ledger by protocol and status.",
		},
		[]string{"protocol", "status"},
	)

	// PolicyDecisions counts policy engine decisions by action.
	PolicyDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paysentinel",
			Name:      "policy_decisions_total",
			Help:      "Total policy evaluations by resulting action.",
		},
		[]string{"action"},
	)

	// AlertsFired counts alerts by rule type and severity.
	AlertsFired = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paysentinel",
			Name:      "alerts_fired_total",
			Help:      "Total alerts fired by rule type and severity.",
		},
		[]string{"type", "severity"},
	)

	// BreakerTransitions counts circuit breaker state transitions.
	BreakerTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paysentinel",
			Name:      "breaker_transitions_total",
			Help:      "Total circuit breaker state transitions by key and direction.",
		},
		[]string{"key", "from", "to"},
	)

	// BreakerRejections counts calls rejected while a breaker was open.
	BreakerRejections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paysentinel",
			Name:      "breaker_rejections_total",
			Help:      "Total calls rejected by an open circuit breaker, by key.",
		},
		[]string{"key"},
	)

	// ProvenanceRecords counts appended provenance records by stage.
	ProvenanceRecords = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paysentinel",
			Name:      "provenance_records_total",
			Help:      "Total provenance records appended by stage.",
		},
		[]string{"stage"},
	)

	// DisputesOpened counts filed disputes.
	DisputesOpened = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "paysentinel",
		Name:      "disputes_opened_total",
		Help:      "Total disputes filed.",
	})

	// DisputesResolved counts dispute resolutions by final status.
	DisputesResolved = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paysentinel",
			Name:      "disputes_resolved_total",
			Help:      "Total disputes resolved by final status.",
		},
		[]string{"status"},
	)

	// RecoveryAttempts counts refund executor attempts by result.
	RecoveryAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paysentinel",
			Name:      "recovery_attempts_total",
			Help:      "Total refund executor attempts by result.",
		},
		[]string{"result"},
	)

	// FacilitatorCalls counts wrapped facilitator calls by operation and outcome.
	FacilitatorCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paysentinel",
			Name:      "facilitator_calls_total",
			Help:      "Total facilitator verify/settle/supported calls by outcome.",
		},
		[]string{"operation", "outcome"},
	)

	// WebhookDeliveries counts alert webhook delivery attempts by result.
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "paysentinel",
			Name:      "webhook_deliveries_total",
			Help:      "Total alert webhook deliveries by result.",
		},
		[]string{"result"},
	)

	// ActiveWebSocketClients tracks connected WebSocket clients.
	ActiveWebSocketClients = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "paysentinel",
			Name:      "active_websocket_clients",
			Help:      "Number of currently connected WebSocket clients.",
		},
	)

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paysentinel", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paysentinel", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paysentinel", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "paysentinel", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		TransactionsRecorded,
		PolicyDecisions,
		AlertsFired,
		BreakerTransitions,
		BreakerRejections,
		ProvenanceRecords,
		DisputesOpened,
		DisputesResolved,
		RecoveryAttempts,
		FacilitatorCalls,
		WebhookDeliveries,
		ActiveWebSocketClients,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime goroutine
// count into Prometheus gauges. Call in a goroutine; exits when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}

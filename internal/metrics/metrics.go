// Package metrics holds the process-wide Prometheus collectors.
package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callbridge_http_requests_total",
			Help: "HTTP requests by route and status.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "callbridge_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// RoutingDecisions counts inbound routing outcomes by decision.
	RoutingDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callbridge_routing_decisions_total",
			Help: "Inbound call routing decisions.",
		},
		[]string{"decision"},
	)

	// PermissionRequests counts consent workflow outcomes.
	PermissionRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callbridge_permission_requests_total",
			Help: "Consent request outcomes by status and reason.",
		},
		[]string{"status", "reason"},
	)

	// WebhookEvents counts provider callbacks by kind and result.
	WebhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callbridge_webhook_events_total",
			Help: "Provider webhook events by kind and result.",
		},
		[]string{"kind", "result"},
	)

	// BreakerTransitions counts upstream circuit breaker state changes.
	BreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callbridge_upstream_breaker_transitions_total",
			Help: "Circuit breaker state changes per upstream.",
		},
		[]string{"upstream", "to"},
	)

	// AccessDenied counts requests rejected by the role/tenant middleware.
	AccessDenied = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "callbridge_access_denied_total",
			Help: "Requests rejected by authorization checks, by reason.",
		},
		[]string{"reason"},
	)

	// RealtimeConnections is the number of open representative streams.
	RealtimeConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "callbridge_realtime_connections",
		Help: "Open representative realtime connections.",
	})
)

// Middleware records request count and latency per matched route.
// Unmatched paths are collapsed to one label to bound cardinality.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		method := c.Request.Method
		httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		httpRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}

// Handler serves the default registry.
func Handler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	WsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nexus_ws_connections",
		Help: "Current number of active websocket connections",
	})
	RealtimeSubscriptions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "nexus_realtime_subscriptions",
		Help: "Current number of per-hangout realtime subscriptions",
	})
	MessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "nexus_messages_total",
		Help: "Total number of hangout messages sent",
	})
	RoleChangesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_role_changes_total",
		Help: "Membership and role mutations by operation",
	}, []string{"op"})
	IntegrityDecisionsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_integrity_decisions_total",
		Help: "Message deletion decisions by outcome",
	}, []string{"outcome"})
	TransfersTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "nexus_ownership_transfers_total",
		Help: "Completed ownership transfers by mode",
	}, []string{"mode"})
	HttpRequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
	HttpRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})
)

func init() {
	prometheus.MustRegister(
		WsConnections,
		RealtimeSubscriptions,
		MessagesTotal,
		RoleChangesTotal,
		IntegrityDecisionsTotal,
		TransfersTotal,
		HttpRequestsTotal,
		HttpRequestDuration,
	)
}

// GinMiddleware 统计基础请求指标，供 Prometheus 拉取。
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		labels := prometheus.Labels{"method": c.Request.Method, "path": path, "status": status}
		HttpRequestsTotal.With(labels).Inc()
		HttpRequestDuration.With(labels).Observe(time.Since(start).Seconds())
	}
}

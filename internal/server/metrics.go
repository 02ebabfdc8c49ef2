package server

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/auditrelay/internal/webhooks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditrelay_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "auditrelay_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	auditEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditrelay_audit_events_total",
		Help: "Total audit events recorded by event category.",
	}, []string{"category"})

	webhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditrelay_webhook_deliveries_total",
		Help: "Total webhook delivery attempts by resulting status.",
	}, []string{"status"})

	retrySweepsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditrelay_retry_sweeps_total",
		Help: "Total retry sweeps by result.",
	}, []string{"result"})

	retrySweepDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "auditrelay_retry_sweep_deliveries_total",
		Help: "Deliveries handled by retry sweeps by outcome.",
	}, []string{"outcome"})

	lastSweep = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "auditrelay_retry_sweep_last_timestamp_seconds",
		Help: "Unix time of the last completed retry sweep.",
	})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		requestsTotal.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		requestDuration.WithLabelValues(c.Request.Method, path).Observe(time.Since(start).Seconds())
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordAuditEvent counts a recorded audit event under the first segment of
// its type ("user.login" counts as "user") to keep label cardinality bounded.
func RecordAuditEvent(eventType string) {
	category, _, _ := strings.Cut(eventType, ".")
	auditEventsTotal.WithLabelValues(category).Inc()
}

// RecordWebhookDelivery counts a delivery attempt by its resulting status.
func RecordWebhookDelivery(status string) {
	webhookDeliveriesTotal.WithLabelValues(status).Inc()
}

// RecordSweep records the outcome of one retry sweep.
func RecordSweep(r webhooks.RetryReport, err error) {
	if err != nil {
		retrySweepsTotal.WithLabelValues("error").Inc()
	} else {
		retrySweepsTotal.WithLabelValues("ok").Inc()
	}
	lastSweep.SetToCurrentTime()

	for outcome, n := range map[string]int{
		"succeeded":   r.Succeeded,
		"rescheduled": r.Rescheduled,
		"failed":      r.Failed,
		"skipped":     r.Skipped,
		"errors":      r.Errors,
	} {
		if n > 0 {
			retrySweepDeliveries.WithLabelValues(outcome).Add(float64(n))
		}
	}
}

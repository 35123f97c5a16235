package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	trackerRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	trackerRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "tracker_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	trackerHealthChecksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_health_checks_total",
		Help: "Total health check probes by result.",
	}, []string{"result"})

	trackerTransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_transfers_total",
		Help: "Transfer authorizations and handoffs by outcome.",
	}, []string{"op", "outcome"})

	trackerAnchorRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_anchor_runs_total",
		Help: "Daily anchoring runs by outcome.",
	}, []string{"outcome"})

	trackerBatchesCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tracker_batches_created_total",
		Help: "Total batches registered.",
	})

	trackerWebhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "tracker_webhook_deliveries_total",
		Help: "Total webhook delivery attempts by result.",
	}, []string{"result"})
)

// PrometheusMiddleware returns a Gin middleware that records per-request metrics.
func PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		method := c.Request.Method
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		trackerRequestsTotal.WithLabelValues(method, path, status).Inc()
		trackerRequestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// RecordHealthCheck records a health check probe result.
func RecordHealthCheck(success bool) {
	if success {
		trackerHealthChecksTotal.WithLabelValues("success").Inc()
	} else {
		trackerHealthChecksTotal.WithLabelValues("failure").Inc()
	}
}

// RecordTransferOutcome records an authorize or consume result. It matches
// service.OutcomeRecorder.
func RecordTransferOutcome(op, outcome string) {
	trackerTransfersTotal.WithLabelValues(op, outcome).Inc()
}

// RecordAnchorRun records the outcome of one AnchorDay call.
func RecordAnchorRun(outcome string) {
	trackerAnchorRunsTotal.WithLabelValues(outcome).Inc()
}

// RecordBatchCreated counts a registered batch.
func RecordBatchCreated() {
	trackerBatchesCreatedTotal.Inc()
}

// RecordWebhookDelivery records a webhook delivery attempt.
func RecordWebhookDelivery(success bool) {
	if success {
		trackerWebhookDeliveriesTotal.WithLabelValues("success").Inc()
	} else {
		trackerWebhookDeliveriesTotal.WithLabelValues("failure").Inc()
	}
}

package handler

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmerrifield20/agrotrace/internal/ledger"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrotrace_requests_total",
		Help: "Total HTTP requests by method, path, and response status.",
	}, []string{"method", "path", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "agrotrace_request_duration_seconds",
		Help:    "Request duration in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	rateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrotrace_rate_limited_total",
		Help: "Requests rejected by the per-client rate limiter, by traffic class.",
	}, []string{"class"})

	eventsAppendedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrotrace_events_appended_total",
		Help: "Trace events appended by event type.",
	}, []string{"event_type"})

	appendConflictsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "agrotrace_append_conflicts_total",
		Help: "Append attempts that lost a compare-and-swap on the batch head.",
	})

	verificationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrotrace_verifications_total",
		Help: "Chain verifications by result.",
	}, []string{"result"})

	integrityFindingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrotrace_integrity_findings_total",
		Help: "Integrity findings reported by verification, by kind.",
	}, []string{"kind"})

	proofsCreatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrotrace_proofs_created_total",
		Help: "Integrity proofs created by anchor type.",
	}, []string{"anchor_type"})

	sweepCheckedBatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agrotrace_sweep_checked_batches",
		Help: "Batches verified by the last integrity sweep.",
	})

	sweepInvalidBatches = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agrotrace_sweep_invalid_batches",
		Help: "Batches whose chain failed verification in the last integrity sweep.",
	})

	sweepDuration = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "agrotrace_sweep_duration_seconds",
		Help: "Duration of the last integrity sweep.",
	})

	webhookDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "agrotrace_webhook_deliveries_total",
		Help: "Integrity alert webhook delivery attempts by result.",
	}, []string{"result"})
)

// RecordWebhookDelivery counts one alert delivery attempt.
func RecordWebhookDelivery(success bool) {
	result := "success"
	if !success {
		result = "failure"
	}
	webhookDeliveriesTotal.WithLabelValues(result).Inc()
}

// RecordSweep publishes the outcome of a scheduled integrity sweep.
func RecordSweep(checked, invalid int, d time.Duration) {
	sweepCheckedBatches.Set(float64(checked))
	sweepInvalidBatches.Set(float64(invalid))
	sweepDuration.Set(d.Seconds())
}

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

		requestsTotal.WithLabelValues(method, path, status).Inc()
		requestDuration.WithLabelValues(method, path).Observe(duration)
	}
}

// MetricsHandler returns a Gin handler that serves Prometheus metrics.
func MetricsHandler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// LedgerMetrics is a ledger.Observer that feeds the counters above.
type LedgerMetrics struct{}

var _ ledger.Observer = LedgerMetrics{}

// EventAppended implements ledger.Observer.
func (LedgerMetrics) EventAppended(ev *ledger.TraceEvent) {
	eventsAppendedTotal.WithLabelValues(string(ev.EventType)).Inc()
}

// AppendConflict implements ledger.Observer.
func (LedgerMetrics) AppendConflict(uuid.UUID) {
	appendConflictsTotal.Inc()
}

// ChainVerified implements ledger.Observer.
func (LedgerMetrics) ChainVerified(report *ledger.VerificationReport) {
	result := "valid"
	if !report.Valid {
		result = "invalid"
	}
	verificationsTotal.WithLabelValues(result).Inc()
	for _, f := range report.Errors {
		integrityFindingsTotal.WithLabelValues(string(f.Kind)).Inc()
	}
}

// ProofCreated implements ledger.Observer.
func (LedgerMetrics) ProofCreated(p *ledger.IntegrityProof) {
	proofsCreatedTotal.WithLabelValues(string(p.AnchorType)).Inc()
}

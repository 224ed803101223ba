package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	submissionCreated       = "created"
	submissionPhotoAttached = "photo_attached"
	submissionRejected      = "rejected"
	submissionFailed        = "failed"
	submissionThrottled     = "throttled"

	unmatchedRoute = "unmatched"
)

// Metrics owns a private registry so handlers can be built repeatedly in tests.
type Metrics struct {
	registry    *prometheus.Registry
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	submissions *prometheus.CounterVec
}

// NewMetrics registers the HTTP collectors. stream may be nil.
func NewMetrics(stream MessageStream) *Metrics {
	registry := prometheus.NewRegistry()
	metrics := &Metrics{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shower",
			Name:      "http_requests_total",
			Help:      "HTTP requests by route, method and status.",
		}, []string{"route", "method", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "shower",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
		submissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "shower",
			Name:      "message_submissions_total",
			Help:      "POST /messages outcomes.",
		}, []string{"outcome"}),
	}
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		metrics.requests,
		metrics.latency,
		metrics.submissions,
	)
	if stream != nil {
		registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "shower",
			Name:      "stream_subscribers",
			Help:      "Open /messages/stream connections.",
		}, func() float64 {
			return float64(stream.Subscribers())
		}))
	}
	return metrics
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = unmatchedRoute
		}
		m.requests.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		m.latency.WithLabelValues(route).Observe(time.Since(started).Seconds())
	}
}

func (m *Metrics) observeSubmission(outcome string) {
	m.submissions.WithLabelValues(outcome).Inc()
}

package server

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/OpenBMB/ChatDev-sub003/internal/session"
)

// metricsSet holds the server's Prometheus collectors on a private registry
// so tests can spin up multiple servers without collisions.
type metricsSet struct {
	registry *prometheus.Registry

	requests      *prometheus.CounterVec
	requestTime   *prometheus.HistogramVec
	framesDropped prometheus.Counter
}

func newMetricsSet(store *session.Store) *metricsSet {
	registry := prometheus.NewRegistry()
	m := &metricsSet{
		registry: registry,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "chatdev_http_requests_total",
			Help: "HTTP requests by method and status.",
		}, []string{"method", "status"}),
		requestTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chatdev_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		framesDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chatdev_ws_frames_dropped_total",
			Help: "WebSocket frames dropped for disconnected or slow clients.",
		}),
	}
	registry.MustRegister(m.requests, m.requestTime, m.framesDropped)
	registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "chatdev_sessions_live",
		Help: "Currently registered workflow sessions.",
	}, func() float64 { return float64(len(store.List())) }))
	return m
}

func (m *metricsSet) handler() gin.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(c *gin.Context) { h.ServeHTTP(c.Writer, c.Request) }
}

// requestMetrics observes every request except the metrics scrape itself.
func (s *Server) requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.FullPath() == "/metrics" {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		s.metrics.requests.WithLabelValues(c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
		s.metrics.requestTime.WithLabelValues(c.Request.Method).Observe(time.Since(start).Seconds())
	}
}

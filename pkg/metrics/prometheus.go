package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the per-service instrument families: HTTP traffic plus
// connection-pool gauges for CockroachDB and Redis. The package-level call
// metrics live on the same default registry, so one /metrics endpoint
// exports both.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP Request Metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Database pool gauges
	dbConnectionsActive prometheus.Gauge
	dbConnectionsIdle   prometheus.Gauge

	// Redis pool gauges
	redisConnectionsTotal prometheus.Gauge
	redisConnectionsIdle  prometheus.Gauge
}

// NewMetrics creates and registers the service metrics
func NewMetrics(serviceName string) *Metrics {
	return &Metrics{
		registry: prometheus.DefaultRegisterer.(*prometheus.Registry),

		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name:        "http_requests_total",
				Help:        "Total number of HTTP requests",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
			[]string{"method", "endpoint", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:        "http_request_duration_seconds",
				Help:        "HTTP request latency in seconds",
				ConstLabels: prometheus.Labels{"service": serviceName},
				Buckets:     prometheus.DefBuckets,
			},
			[]string{"method", "endpoint"},
		),
		httpRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "http_requests_in_flight",
				Help:        "Number of HTTP requests currently being processed",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
		),

		dbConnectionsActive: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "db_connections_active",
				Help:        "Number of acquired database connections",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
		),
		dbConnectionsIdle: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "db_connections_idle",
				Help:        "Number of idle database connections",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
		),

		redisConnectionsTotal: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "redis_connections_total",
				Help:        "Number of connections in the Redis pool",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
		),
		redisConnectionsIdle: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name:        "redis_connections_idle",
				Help:        "Number of idle connections in the Redis pool",
				ConstLabels: prometheus.Labels{"service": serviceName},
			},
		),
	}
}

// GetRegistry returns the registry backing the /metrics endpoint
func (m *Metrics) GetRegistry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint string, statusCode int, duration time.Duration) {
	m.httpRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(statusCode)).Inc()
	m.httpRequestDuration.WithLabelValues(method, endpoint).Observe(duration.Seconds())
}

// IncrementHTTPRequestsInFlight increments the number of in-flight HTTP requests
func (m *Metrics) IncrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Inc()
}

// DecrementHTTPRequestsInFlight decrements the number of in-flight HTTP requests
func (m *Metrics) DecrementHTTPRequestsInFlight() {
	m.httpRequestsInFlight.Dec()
}

// SetDBConnections sets the database pool gauges
func (m *Metrics) SetDBConnections(active, idle int) {
	m.dbConnectionsActive.Set(float64(active))
	m.dbConnectionsIdle.Set(float64(idle))
}

// SetRedisConnections sets the Redis pool gauges
func (m *Metrics) SetRedisConnections(total, idle int) {
	m.redisConnectionsTotal.Set(float64(total))
	m.redisConnectionsIdle.Set(float64(idle))
}

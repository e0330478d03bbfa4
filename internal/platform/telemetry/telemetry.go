// Package telemetry owns the service's Prometheus registry: HTTP request
// metrics, database pool gauges and the /metrics exposition endpoint.
// Component metrics (queue processor, sweeper) register against the same
// registry through Registerer.
package telemetry

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// TelemetryConfig holds all configuration for the telemetry provider.
type TelemetryConfig struct {
	ServiceName    string `json:"service_name"`
	ServiceVersion string `json:"service_version"`
	Environment    string `json:"environment"`
	// MetricsEnabled, when nil, defaults to true.
	MetricsEnabled *bool `json:"metrics_enabled"`
	// RuntimeCollectors adds the Go runtime and process collectors.
	RuntimeCollectors bool `json:"runtime_collectors"`
}

func (c *TelemetryConfig) metricsOn() bool {
	if c.MetricsEnabled == nil {
		return true
	}
	return *c.MetricsEnabled
}

func (c *TelemetryConfig) applyDefaults() {
	if c.ServiceName == "" {
		c.ServiceName = "hl7-inbound"
	}
	if c.ServiceVersion == "" {
		c.ServiceVersion = "0.0.0"
	}
	if c.Environment == "" {
		c.Environment = "development"
	}
}

// BoolPtr is a helper to create a *bool for TelemetryConfig fields.
func BoolPtr(b bool) *bool {
	return &b
}

var defaultDurationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// TelemetryProvider manages all observability state.
type TelemetryProvider struct {
	cfg      TelemetryConfig
	registry *prometheus.Registry

	requests       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	activeRequests prometheus.Gauge
	responseSize   *prometheus.HistogramVec

	poolActive prometheus.Gauge
	poolIdle   prometheus.Gauge
	poolTotal  prometheus.Gauge

	shutdownOnce sync.Once
	done         chan struct{}
}

// NewTelemetryProvider creates and initialises the telemetry provider on a
// private registry.
func NewTelemetryProvider(cfg TelemetryConfig) *TelemetryProvider {
	cfg.applyDefaults()

	reg := prometheus.NewRegistry()
	constLabels := prometheus.Labels{"service": cfg.ServiceName}
	factory := promauto.With(reg)

	tp := &TelemetryProvider{
		cfg:      cfg,
		registry: reg,
		done:     make(chan struct{}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "http_server_requests_total",
			Help:        "Total HTTP requests by method, route and status code.",
			ConstLabels: constLabels,
		}, []string{"method", "route", "status_code"}),
		duration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "http_server_request_duration_seconds",
			Help:        "Duration of HTTP requests in seconds.",
			ConstLabels: constLabels,
			Buckets:     defaultDurationBuckets,
		}, []string{"method", "route", "status_code"}),
		activeRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "http_server_active_requests",
			Help:        "Number of active HTTP requests.",
			ConstLabels: constLabels,
		}),
		responseSize: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "http_server_response_size_bytes",
			Help:        "Size of HTTP response bodies in bytes.",
			ConstLabels: constLabels,
			Buckets:     prometheus.ExponentialBuckets(100, 10, 6),
		}, []string{"route"}),
		poolActive: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "db_pool_active_connections",
			Help:        "Number of active database pool connections.",
			ConstLabels: constLabels,
		}),
		poolIdle: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "db_pool_idle_connections",
			Help:        "Number of idle database pool connections.",
			ConstLabels: constLabels,
		}),
		poolTotal: factory.NewGauge(prometheus.GaugeOpts{
			Name:        "db_pool_total_connections",
			Help:        "Number of open database pool connections.",
			ConstLabels: constLabels,
		}),
	}

	if cfg.RuntimeCollectors {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	return tp
}

// Registerer is where component metrics should be registered so they are
// served by PrometheusHandler.
func (tp *TelemetryProvider) Registerer() prometheus.Registerer {
	return tp.registry
}

// Gatherer exposes the registry for tests and custom exporters.
func (tp *TelemetryProvider) Gatherer() prometheus.Gatherer {
	return tp.registry
}

// Shutdown stops background collection started by WatchPool.
func (tp *TelemetryProvider) Shutdown(_ context.Context) error {
	tp.shutdownOnce.Do(func() {
		close(tp.done)
	})
	return nil
}

// Resource returns the service identity attached to the provider.
func (tp *TelemetryProvider) Resource() map[string]string {
	return map[string]string{
		"service.name":           tp.cfg.ServiceName,
		"service.version":        tp.cfg.ServiceVersion,
		"deployment.environment": tp.cfg.Environment,
	}
}

// ---------------------------------------------------------------------------
// Pool gauges
// ---------------------------------------------------------------------------

// PoolStat is the subset of pgxpool.Stat the gauges read.
type PoolStat interface {
	AcquiredConns() int32
	IdleConns() int32
	TotalConns() int32
}

// RecordPool copies one pool snapshot into the gauges.
func (tp *TelemetryProvider) RecordPool(s PoolStat) {
	tp.poolActive.Set(float64(s.AcquiredConns()))
	tp.poolIdle.Set(float64(s.IdleConns()))
	tp.poolTotal.Set(float64(s.TotalConns()))
}

// WatchPool samples pool every interval until Shutdown or ctx is done.
func (tp *TelemetryProvider) WatchPool(ctx context.Context, pool *pgxpool.Pool, interval time.Duration) {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	tp.RecordPool(pool.Stat())
	for {
		select {
		case <-ctx.Done():
			return
		case <-tp.done:
			return
		case <-ticker.C:
			tp.RecordPool(pool.Stat())
		}
	}
}

// ---------------------------------------------------------------------------
// HTTP middleware and exposition
// ---------------------------------------------------------------------------

// MetricsMiddleware records request count, latency and response size per
// route pattern.
func (tp *TelemetryProvider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !tp.cfg.metricsOn() {
				return next(c)
			}

			tp.activeRequests.Inc()
			start := time.Now()

			err := next(c)

			tp.activeRequests.Dec()

			// An error not yet written still decides the status the client sees.
			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				} else if !c.Response().Committed {
					status = 500
				}
			}

			// Use route pattern, not actual path.
			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			method := c.Request().Method
			code := strconv.Itoa(status)

			tp.requests.WithLabelValues(method, route, code).Inc()
			tp.duration.WithLabelValues(method, route, code).Observe(time.Since(start).Seconds())
			if size := c.Response().Size; size > 0 {
				tp.responseSize.WithLabelValues(route).Observe(float64(size))
			}

			return err
		}
	}
}

// PrometheusHandler serves the registry in the Prometheus exposition format.
func (tp *TelemetryProvider) PrometheusHandler() echo.HandlerFunc {
	h := promhttp.HandlerFor(tp.registry, promhttp.HandlerOpts{
		Registry: tp.registry,
	})
	return echo.WrapHandler(h)
}

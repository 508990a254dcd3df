package observability

import (
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the dev server bridge
type Metrics struct {
	// HTTP metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// SSR bridge metrics
	ssrRendersTotal       *prometheus.CounterVec
	ssrRenderDuration     *prometheus.HistogramVec
	ssrLoadsTotal         *prometheus.CounterVec
	ssrLoadDuration       *prometheus.HistogramVec
	ssrCacheInvalidations prometheus.Counter
	ssrCacheReady         prometheus.Gauge

	// Transform pipeline metrics
	transformsTotal *prometheus.CounterVec

	// Router watcher metrics
	routeRegenerationsTotal *prometheus.CounterVec

	// Reload hub metrics
	reloadBroadcastsTotal prometheus.Counter
	hubConnections        prometheus.Gauge

	// File watcher metrics
	fileEventsTotal prometheus.Counter

	// System metrics
	systemUptime prometheus.Gauge
}

var (
	metricsInstance *Metrics
	metricsOnce     sync.Once
)

// NewMetrics creates and registers all Prometheus metrics. Registration on
// the default registry happens once per process; later calls return the same
// instance.
func NewMetrics() *Metrics {
	metricsOnce.Do(func() {
		metricsInstance = newMetrics()
	})
	return metricsInstance
}

func newMetrics() *Metrics {
	return &Metrics{
		// HTTP metrics
		httpRequestsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nbvite_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nbvite_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path", "status"},
		),
		httpRequestsInFlight: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "nbvite_http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		// SSR bridge metrics
		ssrRendersTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nbvite_ssr_renders_total",
				Help: "Total number of SSR render requests",
			},
			[]string{"status"},
		),
		ssrRenderDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nbvite_ssr_render_duration_seconds",
				Help:    "SSR render latency in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
			},
			[]string{"status"},
		),
		ssrLoadsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nbvite_ssr_loads_total",
				Help: "Total number of SSR module loads",
			},
			[]string{"status"},
		),
		ssrLoadDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "nbvite_ssr_load_duration_seconds",
				Help:    "SSR module load latency in seconds",
				Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"status"},
		),
		ssrCacheInvalidations: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "nbvite_ssr_cache_invalidations_total",
				Help: "Total number of SSR render cache invalidations",
			},
		),
		ssrCacheReady: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "nbvite_ssr_cache_ready",
				Help: "Whether a render function is currently cached (1) or not (0)",
			},
		),

		// Transform pipeline metrics
		transformsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nbvite_transforms_total",
				Help: "Total number of source transforms served",
			},
			[]string{"result"},
		),

		// Router watcher metrics
		routeRegenerationsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nbvite_route_regenerations_total",
				Help: "Total number of route regeneration attempts",
			},
			[]string{"result"},
		),

		// Reload hub metrics
		reloadBroadcastsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "nbvite_reload_broadcasts_total",
				Help: "Total number of full-reload broadcasts to connected clients",
			},
		),
		hubConnections: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "nbvite_hub_connections",
				Help: "Current number of connected reload clients",
			},
		),

		// File watcher metrics
		fileEventsTotal: promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "nbvite_file_events_total",
				Help: "Total number of file change events observed",
			},
		),

		// System metrics
		systemUptime: promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "nbvite_system_uptime_seconds",
				Help: "Dev server uptime in seconds",
			},
		),
	}
}

// MetricsMiddleware returns a Fiber middleware that collects HTTP metrics
func (m *Metrics) MetricsMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()
		m.httpRequestsInFlight.Inc()
		defer m.httpRequestsInFlight.Dec()

		path := normalizePath(c.Path())
		method := c.Method()

		// Process request
		err := c.Next()

		duration := time.Since(start).Seconds()
		status := statusClass(c.Response().StatusCode())

		m.httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		m.httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)

		return err
	}
}

// RecordSSRRender records one render request outcome
func (m *Metrics) RecordSSRRender(status string, duration time.Duration) {
	m.ssrRendersTotal.WithLabelValues(status).Inc()
	m.ssrRenderDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordSSRLoad records one render-module load attempt
func (m *Metrics) RecordSSRLoad(status string, duration time.Duration) {
	m.ssrLoadsTotal.WithLabelValues(status).Inc()
	m.ssrLoadDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// RecordSSRInvalidation records one render cache invalidation
func (m *Metrics) RecordSSRInvalidation() {
	m.ssrCacheInvalidations.Inc()
}

// SetSSRReady updates the render cache gauge
func (m *Metrics) SetSSRReady(ready bool) {
	if ready {
		m.ssrCacheReady.Set(1)
	} else {
		m.ssrCacheReady.Set(0)
	}
}

// RecordTransform records one served source transform
func (m *Metrics) RecordTransform(result string) {
	m.transformsTotal.WithLabelValues(result).Inc()
}

// RecordRouteRegeneration records one regeneration attempt outcome
func (m *Metrics) RecordRouteRegeneration(result string) {
	m.routeRegenerationsTotal.WithLabelValues(result).Inc()
}

// RecordReloadBroadcast records one full-reload broadcast
func (m *Metrics) RecordReloadBroadcast() {
	m.reloadBroadcastsTotal.Inc()
}

// UpdateHubConnections updates the connected reload client gauge
func (m *Metrics) UpdateHubConnections(connections int) {
	m.hubConnections.Set(float64(connections))
}

// RecordFileEvent records one observed file change event
func (m *Metrics) RecordFileEvent() {
	m.fileEventsTotal.Inc()
}

// UpdateUptime updates the system uptime metric
func (m *Metrics) UpdateUptime(startTime time.Time) {
	m.systemUptime.Set(time.Since(startTime).Seconds())
}

// Handler returns a Fiber handler that exposes Prometheus metrics
func (m *Metrics) Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.Handler())
}

// normalizePath normalizes paths for metrics labels
func normalizePath(path string) string {
	// Served source files would explode label cardinality; group them
	if len(path) > 50 {
		return "long_path"
	}
	return path
}

// statusClass returns the HTTP status class (2xx, 3xx, 4xx, 5xx)
func statusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

package observability

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsConfig configures the metrics provider
type MetricsConfig struct {
	ServiceName    string
	ServiceVersion string

	// MetricsPath and MetricsAddr control the scrape endpoint started by Start
	MetricsPath string // default /metrics
	MetricsAddr string // default :9090

	Namespace        string    // default mcp_engine
	HistogramBuckets []float64 // latency buckets in milliseconds

	// Registry receives the collectors. A fresh registry is created when nil
	// so several providers can coexist in one process.
	Registry *prometheus.Registry
}

// MetricsProvider records engine metrics. Implementations must be safe for
// concurrent use.
type MetricsProvider interface {
	// RecordRequest records a request handled by the router
	RecordRequest(ctx context.Context, method, status string, duration time.Duration)
	// RecordNotification records a notification; direction is "in" or "out"
	RecordNotification(ctx context.Context, direction, method string)
	// RecordCapabilityCall records one registry invocation
	RecordCapabilityCall(ctx context.Context, kind, name, status string, duration time.Duration)

	// RecordSessionEvent counts lifecycle events such as created or expired
	RecordSessionEvent(ctx context.Context, event string)
	// SetActiveSessions publishes the number of live sessions
	SetActiveSessions(n int)

	// RecordActiveConnections adjusts the open connection gauge of a transport
	RecordActiveConnections(ctx context.Context, transport string, delta int)
	// RecordTransportEvent counts transport level events such as send failures
	RecordTransportEvent(ctx context.Context, transport, event, status string)
	// RecordMessageBytes adds to the byte counters; direction is "in" or "out"
	RecordMessageBytes(transport, direction string, n int)

	RecordError(ctx context.Context, errorType, method string)

	// Handler serves the scrape endpoint
	Handler() http.Handler
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// PrometheusMetricsProvider implements MetricsProvider using Prometheus
type PrometheusMetricsProvider struct {
	config   MetricsConfig
	registry *prometheus.Registry

	mu     sync.Mutex
	server *http.Server

	requestDuration    *prometheus.HistogramVec
	requestTotal       *prometheus.CounterVec
	notificationTotal  *prometheus.CounterVec
	capabilityDuration *prometheus.HistogramVec
	capabilityTotal    *prometheus.CounterVec
	sessionEvents      *prometheus.CounterVec
	activeSessions     prometheus.Gauge
	activeConnections  *prometheus.GaugeVec
	transportEvents    *prometheus.CounterVec
	messageBytes       *prometheus.CounterVec
	errorTotal         *prometheus.CounterVec
}

// NewMetricsProvider creates a new Prometheus metrics provider
func NewMetricsProvider(config MetricsConfig) (*PrometheusMetricsProvider, error) {
	if config.Namespace == "" {
		config.Namespace = "mcp_engine"
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}
	if config.MetricsAddr == "" {
		config.MetricsAddr = ":9090"
	}
	if config.HistogramBuckets == nil {
		config.HistogramBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000}
	}
	registry := config.Registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}

	p := &PrometheusMetricsProvider{config: config, registry: registry}
	p.initializeMetrics()

	if err := p.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	return p, nil
}

func (p *PrometheusMetricsProvider) initializeMetrics() {
	constLabels := prometheus.Labels{}
	if p.config.ServiceName != "" {
		constLabels["service"] = p.config.ServiceName
	}
	if p.config.ServiceVersion != "" {
		constLabels["version"] = p.config.ServiceVersion
	}

	counter := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace:   p.config.Namespace,
			Name:        name,
			Help:        help,
			ConstLabels: constLabels,
		}, labels)
	}
	histogram := func(name, help string, labels ...string) *prometheus.HistogramVec {
		return prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace:   p.config.Namespace,
			Name:        name,
			Help:        help,
			Buckets:     p.config.HistogramBuckets,
			ConstLabels: constLabels,
		}, labels)
	}

	p.requestDuration = histogram("request_duration_milliseconds", "Duration of handled requests in milliseconds", "method", "status")
	p.requestTotal = counter("request_total", "Total number of handled requests", "method", "status")
	p.notificationTotal = counter("notification_total", "Total number of notifications", "direction", "method")
	p.capabilityDuration = histogram("capability_call_duration_milliseconds", "Duration of capability calls in milliseconds", "kind", "name", "status")
	p.capabilityTotal = counter("capability_call_total", "Total number of capability calls", "kind", "name", "status")
	p.sessionEvents = counter("session_events_total", "Session lifecycle events", "event")
	p.activeSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   p.config.Namespace,
		Name:        "active_sessions",
		Help:        "Number of live sessions",
		ConstLabels: constLabels,
	})
	p.activeConnections = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   p.config.Namespace,
		Name:        "active_connections",
		Help:        "Number of open transport connections",
		ConstLabels: constLabels,
	}, []string{"transport"})
	p.transportEvents = counter("transport_events_total", "Transport level events", "transport", "event", "status")
	p.messageBytes = counter("message_bytes_total", "Bytes moved by transports", "transport", "direction")
	p.errorTotal = counter("error_total", "Total number of errors", "type", "method")
}

func (p *PrometheusMetricsProvider) registerMetrics() error {
	cs := []prometheus.Collector{
		p.requestDuration,
		p.requestTotal,
		p.notificationTotal,
		p.capabilityDuration,
		p.capabilityTotal,
		p.sessionEvents,
		p.activeSessions,
		p.activeConnections,
		p.transportEvents,
		p.messageBytes,
		p.errorTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}

	for _, c := range cs {
		if err := p.registry.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if !errors.As(err, &are) {
				return err
			}
		}
	}
	return nil
}

// Registry exposes the registry the provider writes to
func (p *PrometheusMetricsProvider) Registry() *prometheus.Registry {
	return p.registry
}

func (p *PrometheusMetricsProvider) RecordRequest(ctx context.Context, method, status string, duration time.Duration) {
	p.requestDuration.WithLabelValues(method, status).Observe(float64(duration.Milliseconds()))
	p.requestTotal.WithLabelValues(method, status).Inc()
}

func (p *PrometheusMetricsProvider) RecordNotification(ctx context.Context, direction, method string) {
	p.notificationTotal.WithLabelValues(direction, method).Inc()
}

func (p *PrometheusMetricsProvider) RecordCapabilityCall(ctx context.Context, kind, name, status string, duration time.Duration) {
	p.capabilityDuration.WithLabelValues(kind, name, status).Observe(float64(duration.Milliseconds()))
	p.capabilityTotal.WithLabelValues(kind, name, status).Inc()
}

func (p *PrometheusMetricsProvider) RecordSessionEvent(ctx context.Context, event string) {
	p.sessionEvents.WithLabelValues(event).Inc()
}

func (p *PrometheusMetricsProvider) SetActiveSessions(n int) {
	p.activeSessions.Set(float64(n))
}

func (p *PrometheusMetricsProvider) RecordActiveConnections(ctx context.Context, transport string, delta int) {
	p.activeConnections.WithLabelValues(transport).Add(float64(delta))
}

func (p *PrometheusMetricsProvider) RecordTransportEvent(ctx context.Context, transport, event, status string) {
	p.transportEvents.WithLabelValues(transport, event, status).Inc()
}

func (p *PrometheusMetricsProvider) RecordMessageBytes(transport, direction string, n int) {
	if n <= 0 {
		return
	}
	p.messageBytes.WithLabelValues(transport, direction).Add(float64(n))
}

func (p *PrometheusMetricsProvider) RecordError(ctx context.Context, errorType, method string) {
	p.errorTotal.WithLabelValues(errorType, method).Inc()
}

// Handler serves the provider's registry in the Prometheus text format
func (p *PrometheusMetricsProvider) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{Registry: p.registry})
}

// Start serves the scrape endpoint on MetricsAddr until Shutdown
func (p *PrometheusMetricsProvider) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.server != nil {
		return errors.New("metrics server already started")
	}

	ln, err := net.Listen("tcp", p.config.MetricsAddr)
	if err != nil {
		return fmt.Errorf("metrics listen on %s: %w", p.config.MetricsAddr, err)
	}

	r := chi.NewRouter()
	r.Handle(p.config.MetricsPath, p.Handler())
	p.server = &http.Server{Handler: r, ReadHeaderTimeout: 5 * time.Second}

	srv := p.server
	go func() {
		_ = srv.Serve(ln)
	}()
	return nil
}

// Shutdown gracefully shuts down the metrics server
func (p *PrometheusMetricsProvider) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	srv := p.server
	p.server = nil
	p.mu.Unlock()

	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// NoopMetricsProvider discards all measurements
type NoopMetricsProvider struct{}

func (NoopMetricsProvider) RecordRequest(context.Context, string, string, time.Duration)                {}
func (NoopMetricsProvider) RecordNotification(context.Context, string, string)                          {}
func (NoopMetricsProvider) RecordCapabilityCall(context.Context, string, string, string, time.Duration) {}
func (NoopMetricsProvider) RecordSessionEvent(context.Context, string)                                  {}
func (NoopMetricsProvider) SetActiveSessions(int)                                                       {}
func (NoopMetricsProvider) RecordActiveConnections(context.Context, string, int)                        {}
func (NoopMetricsProvider) RecordTransportEvent(context.Context, string, string, string)                {}
func (NoopMetricsProvider) RecordMessageBytes(string, string, int)                                      {}
func (NoopMetricsProvider) RecordError(context.Context, string, string)                                 {}
func (NoopMetricsProvider) Handler() http.Handler                                                       { return http.NotFoundHandler() }
func (NoopMetricsProvider) Start(context.Context) error                                                 { return nil }
func (NoopMetricsProvider) Shutdown(context.Context) error                                              { return nil }

// OrNoop returns m, or a NoopMetricsProvider when m is nil
func OrNoop(m MetricsProvider) MetricsProvider {
	if m == nil {
		return NoopMetricsProvider{}
	}
	return m
}

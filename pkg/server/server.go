package server

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ajitpratap0/mcp-engine-go/pkg/logging"
	"github.com/ajitpratap0/mcp-engine-go/pkg/observability"
	"github.com/ajitpratap0/mcp-engine-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-engine-go/pkg/router"
	"github.com/ajitpratap0/mcp-engine-go/pkg/session"
	"github.com/ajitpratap0/mcp-engine-go/pkg/transport"
)

// Config holds everything needed to assemble an engine
type Config struct {
	Name         string
	Version      string
	Instructions string

	Transport transport.TransportConfig
	Session   session.Config

	// CallTimeout bounds each request; zero uses router.DefaultCallTimeout
	CallTimeout time.Duration
	// RateLimit caps capability calls per session
	RateLimit router.RateLimitConfig

	// MetricsEnabled starts the scrape endpoint described by Metrics
	MetricsEnabled bool
	Metrics        observability.MetricsConfig

	// TracingEnabled installs an OpenTelemetry provider built from Tracing
	TracingEnabled bool
	Tracing        observability.TracingConfig
}

// DefaultConfig returns a stdio engine with default store limits
func DefaultConfig() Config {
	return Config{
		Name:      "mcp-engine",
		Version:   "dev",
		Transport: transport.DefaultTransportConfig(transport.TransportTypeStdio),
		Session:   session.DefaultConfig(),
	}
}

// Option customizes a Server
type Option func(*Server)

// WithLogger sets the logger shared by every component
func WithLogger(logger logging.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRegistry sets the capability registry. An empty BaseRegistry is used otherwise.
func WithRegistry(registry router.Registry) Option {
	return func(s *Server) {
		s.registry = registry
	}
}

// WithMetricsProvider replaces the provider built from Config.Metrics
func WithMetricsProvider(metrics observability.MetricsProvider) Option {
	return func(s *Server) {
		s.metrics = metrics
	}
}

// WithTracer replaces the tracer built from Config.Tracing
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Server) {
		s.tracer = tracer
	}
}

// WithRouterOptions passes extra options to the router, e.g. a custom
// middleware chain.
func WithRouterOptions(opts ...router.Option) Option {
	return func(s *Server) {
		s.routerOpts = append(s.routerOpts, opts...)
	}
}

// Server wires the session store, router and transport together
type Server struct {
	config Config
	logger logging.Logger

	registry   router.Registry
	metrics    observability.MetricsProvider
	tracing    *observability.TracingProvider
	tracer     trace.Tracer
	routerOpts []router.Option

	store     *session.Store
	router    *router.Router
	transport transport.Transport

	running atomic.Bool
	stopped atomic.Bool
}

// New assembles a server. The transport type is checked here so an
// unknown type fails before Start.
func New(config Config, opts ...Option) (*Server, error) {
	s := &Server{config: config}
	for _, opt := range opts {
		opt(s)
	}

	if s.config.Name == "" {
		s.config.Name = "mcp-engine"
	}
	if s.config.Session == (session.Config{}) {
		s.config.Session = session.DefaultConfig()
	}
	s.logger = logging.OrGlobal(s.logger).WithFields(
		logging.String("service", s.config.Name),
	)
	if s.registry == nil {
		s.registry = NewBaseRegistry()
	}

	if s.metrics == nil {
		metricsConfig := s.config.Metrics
		if metricsConfig.ServiceName == "" {
			metricsConfig.ServiceName = s.config.Name
		}
		if metricsConfig.ServiceVersion == "" {
			metricsConfig.ServiceVersion = s.config.Version
		}
		provider, err := observability.NewMetricsProvider(metricsConfig)
		if err != nil {
			return nil, fmt.Errorf("create metrics provider: %w", err)
		}
		s.metrics = provider
	}

	if s.tracer == nil && s.config.TracingEnabled {
		tracingConfig := s.config.Tracing
		if tracingConfig.ServiceName == "" {
			tracingConfig.ServiceName = s.config.Name
		}
		if tracingConfig.ServiceVersion == "" {
			tracingConfig.ServiceVersion = s.config.Version
		}
		tp, err := observability.NewTracingProvider(tracingConfig)
		if err != nil {
			return nil, fmt.Errorf("create tracing provider: %w", err)
		}
		s.tracing = tp
		s.tracer = tp.Tracer()
	}

	s.store = session.NewStore(s.config.Session,
		session.WithLogger(s.logger),
		session.WithMetrics(s.metrics),
	)

	routerOpts := []router.Option{
		router.WithLogger(s.logger),
		router.WithMetrics(s.metrics),
	}
	if s.tracer != nil {
		routerOpts = append(routerOpts, router.WithTracer(s.tracer))
	}
	routerOpts = append(routerOpts, s.routerOpts...)
	s.router = router.New(router.Config{
		ServerInfo:   protocol.ServerInfo{Name: s.config.Name, Version: s.config.Version},
		Instructions: s.config.Instructions,
		CallTimeout:  s.config.CallTimeout,
		RateLimit:    s.config.RateLimit,
	}, s.store, s.registry, routerOpts...)

	transportConfig := s.config.Transport
	if transportConfig.Logger == nil {
		transportConfig.Logger = s.logger
	}
	if transportConfig.Metrics == nil {
		transportConfig.Metrics = s.metrics
	}
	t, err := transport.NewTransport(transportConfig, s.store, s.router)
	if err != nil {
		s.shutdownTracing(context.Background())
		return nil, err
	}
	s.transport = t
	s.router.SetSender(t)

	return s, nil
}

// Start runs the engine until ctx is done or Stop is called. It blocks
// while the transport serves.
func (s *Server) Start(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("server already started")
	}

	if err := s.store.Start(ctx); err != nil {
		return fmt.Errorf("start session store: %w", err)
	}
	if s.config.MetricsEnabled {
		if err := s.metrics.Start(ctx); err != nil {
			s.store.Stop()
			return fmt.Errorf("start metrics server: %w", err)
		}
	}

	s.logger.Info("Engine started",
		logging.String("transport", string(s.transport.Type())),
		logging.Int("max_sessions", s.config.Session.MaxSessions),
		logging.Bool("metrics", s.config.MetricsEnabled),
		logging.Bool("tracing", s.tracer != nil),
	)

	return s.transport.Start(ctx)
}

// Stop shuts the components down in reverse order of Start. Errors from
// each step are joined; later steps still run.
func (s *Server) Stop(ctx context.Context) error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	if err := s.transport.Stop(ctx); err != nil && !errors.Is(err, transport.ErrNotRunning) {
		errs = append(errs, fmt.Errorf("stop transport: %w", err))
	}

	closed := s.store.CloseAll(session.ReasonShutdown)
	s.store.Stop()

	if err := s.metrics.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("stop metrics server: %w", err))
	}
	if err := s.shutdownTracing(ctx); err != nil {
		errs = append(errs, err)
	}

	s.logger.Info("Engine stopped",
		logging.Int("sessions_closed", closed),
		logging.Int("in_flight", s.router.InFlight()),
	)
	return errors.Join(errs...)
}

func (s *Server) shutdownTracing(ctx context.Context) error {
	if s.tracing == nil {
		return nil
	}
	if err := s.tracing.Shutdown(ctx); err != nil {
		return fmt.Errorf("stop tracing: %w", err)
	}
	return nil
}

// NotifyResourceUpdated pushes notifications/resources/updated to every
// subscriber of uri and returns the number of sessions reached.
func (s *Server) NotifyResourceUpdated(ctx context.Context, uri string) int {
	return s.router.NotifyResourceUpdated(ctx, uri)
}

// Store returns the session store
func (s *Server) Store() *session.Store { return s.store }

// Router returns the request router
func (s *Server) Router() *router.Router { return s.router }

// Transport returns the running transport
func (s *Server) Transport() transport.Transport { return s.transport }

// Metrics returns the metrics provider
func (s *Server) Metrics() observability.MetricsProvider { return s.metrics }

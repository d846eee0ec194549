package router

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	mcperrors "github.com/ajitpratap0/mcp-engine-go/pkg/errors"
	"github.com/ajitpratap0/mcp-engine-go/pkg/logging"
	"github.com/ajitpratap0/mcp-engine-go/pkg/observability"
	"github.com/ajitpratap0/mcp-engine-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-engine-go/pkg/session"
)

// DefaultCallTimeout bounds every request unless Config.CallTimeout is set
const DefaultCallTimeout = 30 * time.Second

// LogLevelKey is the session context key logging/setLevel writes to
const LogLevelKey = "logLevel"

// SessionStore is the part of the session store the router uses
type SessionStore interface {
	GetSession(sessionID string) (*session.Snapshot, bool)
	InitializeSession(sessionID string, params *protocol.HandshakeParams) (*session.Snapshot, error)
	Subscribe(sessionID, uri string) (bool, error)
	Unsubscribe(sessionID, uri string) bool
	Subscribers(uri string) []string
	SetContext(sessionID, key string, value interface{}) error
	GetContext(sessionID, key string, def interface{}) interface{}
}

var _ SessionStore = (*session.Store)(nil)

// Sender delivers server-initiated messages to a session. Every transport
// satisfies it.
type Sender interface {
	SendMessage(ctx context.Context, sessionID string, msg protocol.Envelope) error
}

// Config holds the router settings
type Config struct {
	ServerInfo   protocol.ServerInfo
	Instructions string
	// Capabilities is advertised in the initialize result. Nil advertises
	// tools, resources with subscriptions, prompts and logging.
	Capabilities *protocol.ServerCapabilities
	// CallTimeout bounds every request; zero means DefaultCallTimeout
	CallTimeout time.Duration
	// RateLimit caps capability calls per session, outside the middleware chain
	RateLimit RateLimitConfig
}

// Option configures a Router
type Option func(*Router)

// WithLogger sets the router logger
func WithLogger(logger logging.Logger) Option {
	return func(r *Router) { r.logger = logger }
}

// WithMetrics sets the metrics provider
func WithMetrics(metrics observability.MetricsProvider) Option {
	return func(r *Router) { r.metrics = metrics }
}

// WithTracer sets the tracer used for request spans
func WithTracer(tracer trace.Tracer) Option {
	return func(r *Router) { r.tracer = tracer }
}

// WithSender attaches the transport used for server push
func WithSender(sender Sender) Option {
	return func(r *Router) { r.sender = sender }
}

// WithMiddleware replaces the default capability middleware chain
func WithMiddleware(middleware ...CallMiddleware) Option {
	return func(r *Router) { r.middleware = middleware }
}

// methodHandler serves one request method
type methodHandler func(ctx context.Context, sessionID string, req *protocol.Request) (interface{}, error)

// notificationHandler serves one notification method
type notificationHandler func(ctx context.Context, sessionID string, n *protocol.Notification)

// inflightKey identifies a request within its session
type inflightKey struct {
	sessionID string
	id        protocol.ID
}

type inflight struct {
	cancel    context.CancelFunc
	cancelled atomic.Bool
}

// Router dispatches decoded envelopes to method handlers. It implements
// transport.Handler.
type Router struct {
	config   Config
	store    SessionStore
	registry Registry
	logger   logging.Logger
	metrics  observability.MetricsProvider
	tracer   trace.Tracer

	methods       map[string]methodHandler
	notifications map[string]notificationHandler
	middleware    []CallMiddleware
	capabilities  CallHandler

	senderMu sync.RWMutex
	sender   Sender

	inflightMu sync.Mutex
	inflight   map[inflightKey]*inflight
}

// New builds a router over store and registry. A nil registry serves
// empty capability lists.
func New(config Config, store SessionStore, registry Registry, opts ...Option) *Router {
	if config.CallTimeout <= 0 {
		config.CallTimeout = DefaultCallTimeout
	}
	if config.Capabilities == nil {
		config.Capabilities = &protocol.ServerCapabilities{
			Tools:     &protocol.ListChangedCapability{},
			Resources: &protocol.ResourcesCapability{Subscribe: true},
			Prompts:   &protocol.ListChangedCapability{},
			Logging:   &protocol.LoggingCapability{},
		}
	}
	if registry == nil {
		registry = emptyRegistry{}
	}

	r := &Router{
		config:   config,
		store:    store,
		registry: registry,
		inflight: make(map[inflightKey]*inflight),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = logging.OrGlobal(r.logger)
	r.metrics = observability.OrNoop(r.metrics)
	if r.middleware == nil {
		r.middleware = DefaultMiddleware(r.logger, r.metrics, registry, config.CallTimeout)
	}
	chain := r.middleware
	if config.RateLimit.Enabled() {
		chain = append([]CallMiddleware{RateLimit(NewRateLimiter(config.RateLimit, nil))}, chain...)
	}
	r.capabilities = Chain(invokeRegistry(registry), chain...)

	r.methods = map[string]methodHandler{
		protocol.MethodInitialize:          r.handleInitialize,
		protocol.MethodPing:                r.handlePing,
		protocol.MethodListTools:           r.listHandler(protocol.KindTool),
		protocol.MethodCallTool:            r.callHandler(protocol.KindTool),
		protocol.MethodListResources:       r.listHandler(protocol.KindResource),
		protocol.MethodReadResource:        r.handleReadResource,
		protocol.MethodSubscribeResource:   r.handleSubscribe,
		protocol.MethodUnsubscribeResource: r.handleUnsubscribe,
		protocol.MethodListPrompts:         r.listHandler(protocol.KindPrompt),
		protocol.MethodGetPrompt:           r.callHandler(protocol.KindPrompt),
		protocol.MethodSetLogLevel:         r.handleSetLogLevel,
	}
	r.notifications = map[string]notificationHandler{
		protocol.MethodInitialized: r.handleInitialized,
		protocol.MethodCancelled:   r.handleCancelled,
	}
	return r
}

// SetSender attaches the transport used for server push. It may be called
// after New because the transport is usually built around the router.
func (r *Router) SetSender(sender Sender) {
	r.senderMu.Lock()
	r.sender = sender
	r.senderMu.Unlock()
}

func (r *Router) getSender() Sender {
	r.senderMu.RLock()
	defer r.senderMu.RUnlock()
	return r.sender
}

// HandleMessage dispatches one envelope. Requests always get a response
// unless the client cancelled them; notifications never do.
func (r *Router) HandleMessage(ctx context.Context, sessionID string, msg protocol.Envelope) *protocol.Response {
	switch m := msg.(type) {
	case *protocol.Request:
		return r.handleRequest(ctx, sessionID, m)
	case *protocol.Notification:
		r.handleNotification(ctx, sessionID, m)
	}
	return nil
}

func (r *Router) handleRequest(ctx context.Context, sessionID string, req *protocol.Request) *protocol.Response {
	start := time.Now()
	ctx = logging.ContextWithSessionID(ctx, sessionID)
	ctx = logging.ContextWithRequestID(ctx, req.ID.String())
	ctx, span := observability.StartMethodSpan(ctx, r.tracer, req.Method, sessionID)
	defer span.End()

	handler, ok := r.methods[req.Method]
	if !ok {
		return r.fail(ctx, req, mcperrors.MethodNotFound(req.Method), start)
	}
	if err := r.checkHandshake(sessionID, req.Method); err != nil {
		return r.fail(ctx, req, err, start)
	}

	callCtx, cancel := context.WithTimeout(ctx, r.config.CallTimeout)
	defer cancel()
	key := inflightKey{sessionID: sessionID, id: req.ID}
	entry := r.track(key, cancel)
	defer r.untrack(key, entry)

	result, err := r.invoke(callCtx, handler, sessionID, req)

	if entry.cancelled.Load() {
		r.logger.WithContext(ctx).Debug("Dropping response to cancelled request",
			logging.String("method", req.Method),
		)
		r.metrics.RecordRequest(ctx, req.Method, "cancelled", time.Since(start))
		return nil
	}
	if err != nil {
		if _, structured := mcperrors.AsMCPError(err); !structured && stderrors.Is(callCtx.Err(), context.DeadlineExceeded) {
			err = mcperrors.Timeout(req.Method, r.config.CallTimeout)
		}
		return r.fail(ctx, req, err, start)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return r.fail(ctx, req, mcperrors.Internal("encode "+req.Method+" result", err), start)
	}
	r.metrics.RecordRequest(ctx, req.Method, "ok", time.Since(start))
	return protocol.MakeResponse(req.ID, json.RawMessage(data))
}

// checkHandshake allows only initialize and ping before the handshake
func (r *Router) checkHandshake(sessionID, method string) error {
	if method == protocol.MethodInitialize || method == protocol.MethodPing {
		return nil
	}
	snap, ok := r.store.GetSession(sessionID)
	if !ok {
		return mcperrors.SessionNotFound(sessionID)
	}
	if !snap.Initialized() {
		return mcperrors.NotInitialized(sessionID, method)
	}
	return nil
}

// invoke runs a handler and turns a panic into an error
func (r *Router) invoke(ctx context.Context, handler methodHandler, sessionID string, req *protocol.Request) (result interface{}, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WithContext(ctx).Error("Method handler panicked",
				logging.String("method", req.Method),
				logging.Any("panic", rec),
				logging.String("stack", string(debug.Stack())),
			)
			result, err = nil, mcperrors.HandlerPanic(req.Method, rec)
		}
	}()
	return handler(ctx, sessionID, req)
}

// fail logs err, records it and builds the error response
func (r *Router) fail(ctx context.Context, req *protocol.Request, err error, start time.Time) *protocol.Response {
	observability.RecordSpanError(ctx, err)

	log := r.logger.WithContext(ctx).WithError(err).WithFields(logging.String("method", req.Method))
	errorType := "unknown"
	internal := true
	var rpcErr *protocol.Error
	if mcpErr, ok := mcperrors.AsMCPError(err); ok {
		errorType = mcperrors.GetErrorCodeName(mcpErr.Code())
		internal = mcpErr.Category() == mcperrors.CategoryInternal || mcpErr.Category() == mcperrors.CategoryTimeout
	} else if stderrors.As(err, &rpcErr) {
		errorType = rpcErr.Code.String()
		internal = rpcErr.Code == protocol.InternalError
	}
	if internal {
		log.Error("Request failed")
	} else {
		log.Debug("Request rejected")
	}

	r.metrics.RecordError(ctx, errorType, req.Method)
	r.metrics.RecordRequest(ctx, req.Method, "error", time.Since(start))
	return mcperrors.ToResponse(req.ID, err)
}

func (r *Router) track(key inflightKey, cancel context.CancelFunc) *inflight {
	entry := &inflight{cancel: cancel}
	r.inflightMu.Lock()
	r.inflight[key] = entry
	r.inflightMu.Unlock()
	return entry
}

func (r *Router) untrack(key inflightKey, entry *inflight) {
	r.inflightMu.Lock()
	if r.inflight[key] == entry {
		delete(r.inflight, key)
	}
	r.inflightMu.Unlock()
}

// cancelRequest marks an in-flight request as cancelled and cancels its
// context. It reports whether the request was found.
func (r *Router) cancelRequest(sessionID string, id protocol.ID) bool {
	key := inflightKey{sessionID: sessionID, id: id}
	r.inflightMu.Lock()
	entry, ok := r.inflight[key]
	if ok {
		delete(r.inflight, key)
	}
	r.inflightMu.Unlock()
	if !ok {
		return false
	}
	entry.cancelled.Store(true)
	entry.cancel()
	return true
}

// InFlight returns the number of requests currently being handled
func (r *Router) InFlight() int {
	r.inflightMu.Lock()
	defer r.inflightMu.Unlock()
	return len(r.inflight)
}

func (r *Router) handleNotification(ctx context.Context, sessionID string, n *protocol.Notification) {
	ctx = logging.ContextWithSessionID(ctx, sessionID)
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.WithContext(ctx).Error("Notification handler panicked",
				logging.String("method", n.Method),
				logging.Any("panic", rec),
				logging.String("stack", string(debug.Stack())),
			)
		}
	}()

	handler, ok := r.notifications[n.Method]
	if !ok {
		r.logger.WithContext(ctx).Debug("Ignoring notification", logging.String("method", n.Method))
		return
	}
	handler(ctx, sessionID, n)
}

// NotifyResourceUpdated pushes notifications/resources/updated to every
// session subscribed to uri and returns how many were delivered. Delivery
// failures are logged and do not affect the other subscribers.
func (r *Router) NotifyResourceUpdated(ctx context.Context, uri string) int {
	sender := r.getSender()
	subscribers := r.store.Subscribers(uri)
	if len(subscribers) == 0 {
		return 0
	}
	if sender == nil {
		r.logger.Warn("Dropping resource update, no sender attached", logging.String("uri", uri))
		return 0
	}

	delivered := 0
	for _, sessionID := range subscribers {
		if err := sender.SendMessage(ctx, sessionID, protocol.MakeResourceUpdatedNotification(uri)); err != nil {
			r.metrics.RecordError(ctx, "push", protocol.MethodResourceUpdated)
			r.logger.Warn("Failed to deliver resource update",
				logging.String(logging.SessionIDKey, sessionID),
				logging.String("uri", uri),
				logging.ErrorField(err),
			)
			continue
		}
		r.metrics.RecordNotification(ctx, "out", protocol.MethodResourceUpdated)
		delivered++
	}
	return delivered
}

// SendLog pushes notifications/message to a session when level passes the
// threshold the client set with logging/setLevel. Sessions that never set
// a level receive everything.
func (r *Router) SendLog(ctx context.Context, sessionID string, level protocol.LogLevel, logger string, data interface{}) error {
	threshold, _ := r.store.GetContext(sessionID, LogLevelKey, protocol.LogLevelDebug).(protocol.LogLevel)
	if threshold != "" && !threshold.Enabled(level) {
		return nil
	}
	return r.push(ctx, sessionID, protocol.MakeLogNotification(level, logger, data))
}

// SendProgress pushes notifications/progress for a long-running request
func (r *Router) SendProgress(ctx context.Context, sessionID string, token interface{}, progress, total float64, message string) error {
	return r.push(ctx, sessionID, protocol.MakeProgressNotification(token, progress, total, message))
}

func (r *Router) push(ctx context.Context, sessionID string, n *protocol.Notification) error {
	sender := r.getSender()
	if sender == nil {
		return mcperrors.PushUnsupported("none", sessionID)
	}
	if err := sender.SendMessage(ctx, sessionID, n); err != nil {
		r.metrics.RecordError(ctx, "push", n.Method)
		return err
	}
	r.metrics.RecordNotification(ctx, "out", n.Method)
	return nil
}

package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"golang.org/x/sync/errgroup"

	mcperrors "github.com/ajitpratap0/mcp-engine-go/pkg/errors"
	"github.com/ajitpratap0/mcp-engine-go/pkg/logging"
	"github.com/ajitpratap0/mcp-engine-go/pkg/protocol"
)

// SessionHeader carries the session id on HTTP requests and responses
const SessionHeader = "Mcp-Session-Id"

// HTTPTransport serves request/response exchanges over HTTP POST. One
// request body holds one envelope and one response body holds the reply.
// An initialize without SessionHeader opens a session that later requests
// select with the header; other headerless requests are stateless.
type HTTPTransport struct {
	dispatcher
	netServer
	config TransportConfig
	router chi.Router

	running  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
}

// NewHTTPTransport creates an HTTP transport listening on config.Addr()
func NewHTTPTransport(config TransportConfig, sessions SessionManager, handler Handler) *HTTPTransport {
	config.Type = TransportTypeHTTP
	config = config.withDefaults()

	t := &HTTPTransport{
		dispatcher: newDispatcher(config, sessions, handler),
		config:     config,
		done:       make(chan struct{}),
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(logging.HTTPMiddleware(t.logger))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: config.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", SessionHeader, logging.RequestIDHeader},
		ExposedHeaders: []string{SessionHeader, logging.RequestIDHeader},
		MaxAge:         300,
	}))
	r.Post(config.Path, t.handlePost)
	r.Delete(config.Path, t.handleDelete)
	r.Get("/healthz", healthHandler)
	t.router = r
	return t
}

// Type implements Transport
func (t *HTTPTransport) Type() TransportType { return TransportTypeHTTP }

// IsRunning implements Transport
func (t *HTTPTransport) IsRunning() bool { return t.running.Load() }

// Handler exposes the HTTP handler so the transport can be mounted on an
// existing server
func (t *HTTPTransport) Handler() http.Handler { return t.router }

// Start listens and serves until Stop or ctx cancellation
func (t *HTTPTransport) Start(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer t.running.Store(false)

	return t.serve(ctx, t.config, t.router, t.logger, t.done, t.netServer.shutdown)
}

// Stop shuts the listener down and waits for in-flight requests. Sessions
// are left to the store so they can be swept or closed by the owner.
func (t *HTTPTransport) Stop(ctx context.Context) error {
	t.stopOnce.Do(func() { close(t.done) })
	return t.netServer.shutdown(ctx)
}

// SendMessage always fails: HTTP has no channel for server push
func (t *HTTPTransport) SendMessage(_ context.Context, sessionID string, _ protocol.Envelope) error {
	return mcperrors.PushUnsupported("http", sessionID)
}

func (t *HTTPTransport) handlePost(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionHeader)
	if sessionID != "" {
		if _, ok := t.sessions.GetSession(sessionID); !ok {
			writeEnvelope(w, http.StatusNotFound, mcperrors.ToResponse(protocol.ID{}, mcperrors.SessionNotFound(sessionID)))
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, t.config.MaxMessageSize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			if sessionID != "" {
				t.sessions.RecordError(sessionID)
			}
			writeEnvelope(w, http.StatusRequestEntityTooLarge, mcperrors.ToResponse(protocol.ID{},
				mcperrors.MessageTooLarge("http", -1, t.config.MaxMessageSize)))
			return
		}
		writeEnvelope(w, http.StatusBadRequest, mcperrors.ToResponse(protocol.ID{},
			mcperrors.TransportError("http", "read body", err)))
		return
	}

	stateless := false
	if sessionID == "" {
		// only initialize opens a session the client can come back to;
		// anything else runs in a session closed once the reply is ready
		persistent := isInitialize(body)
		snap, err := t.sessions.CreateSession(t.kind.ConnectionType(), r.RemoteAddr, map[string]string{
			"user_agent": r.UserAgent(),
			"stateless":  strconv.FormatBool(!persistent),
		})
		if err != nil {
			t.logger.Warn("Rejecting HTTP session", logging.ErrorField(err))
			writeEnvelope(w, http.StatusServiceUnavailable, mcperrors.ToResponse(protocol.ID{}, err))
			return
		}
		sessionID = snap.ID
		stateless = !persistent
	}
	if !stateless {
		w.Header().Set(SessionHeader, sessionID)
	}

	ctx := logging.ContextWithSessionID(r.Context(), sessionID)
	res := t.handleFrame(ctx, sessionID, body)
	if stateless {
		t.sessions.CloseSession(sessionID, reasonStateless)
	}
	if res.reply == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	status := http.StatusOK
	if res.malformed {
		status = http.StatusInternalServerError
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if _, err := w.Write(res.reply); err != nil {
		t.sessions.RecordError(sessionID)
		t.logger.Debug("Failed to write HTTP response",
			logging.String(logging.SessionIDKey, sessionID),
			logging.ErrorField(err),
		)
	}
}

// isInitialize reports whether body is an initialize request. Anything
// undecodable is not; the dispatcher reports the real error.
func isInitialize(body []byte) bool {
	var head struct {
		Method string `json:"method"`
	}
	return json.Unmarshal(body, &head) == nil && head.Method == protocol.MethodInitialize
}

func (t *HTTPTransport) handleDelete(w http.ResponseWriter, r *http.Request) {
	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		writeEnvelope(w, http.StatusBadRequest, mcperrors.ToResponse(protocol.ID{},
			mcperrors.InvalidRequest("missing "+SessionHeader+" header")))
		return
	}
	if !t.sessions.CloseSession(sessionID, reasonClientDelete) {
		writeEnvelope(w, http.StatusNotFound, mcperrors.ToResponse(protocol.ID{}, mcperrors.SessionNotFound(sessionID)))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeEnvelope writes a transport-level error reply. The body is always a
// valid envelope so clients never have to parse plain text.
func writeEnvelope(w http.ResponseWriter, status int, resp *protocol.Response) {
	data, err := protocol.Serialize(resp)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// healthHandler answers liveness probes on the network transports
func healthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

// netServer owns the listener and http.Server of a network transport
type netServer struct {
	name     string
	srvMu    sync.RWMutex
	listener net.Listener
	server   *http.Server
}

// Addr returns the bound listener address, nil before Start
func (s *netServer) Addr() net.Addr {
	s.srvMu.RLock()
	defer s.srvMu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// serve listens on config.Addr() and blocks until ctx is done or done is
// closed, then calls shutdown.
func (s *netServer) serve(ctx context.Context, config TransportConfig, handler http.Handler, logger logging.Logger,
	done <-chan struct{}, shutdown func(context.Context) error) error {
	name := string(config.Type)
	ln, err := net.Listen("tcp", config.Addr())
	if err != nil {
		return mcperrors.TransportError(name, "listen", err)
	}
	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: config.ReadTimeout,
		ErrorLog:          logging.NewStdLogger(logger, logging.WarnLevel),
	}
	// upgraded WebSocket connections manage their own deadlines
	if config.Type == TransportTypeHTTP {
		srv.ReadTimeout = config.ReadTimeout
		srv.WriteTimeout = config.WriteTimeout
	}
	s.srvMu.Lock()
	s.name = name
	s.listener = ln
	s.server = srv
	s.srvMu.Unlock()

	logger.Info("Transport listening",
		logging.String("addr", ln.Addr().String()),
		logging.String("path", config.Path),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return mcperrors.TransportError(name, "serve", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-done:
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), config.WriteTimeout+time.Second)
		defer cancel()
		return shutdown(shutdownCtx)
	})
	return g.Wait()
}

// shutdown stops the server once; later calls return nil immediately
func (s *netServer) shutdown(ctx context.Context) error {
	s.srvMu.Lock()
	srv := s.server
	s.server = nil
	s.srvMu.Unlock()
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return mcperrors.TransportError(s.name, "shutdown", err)
	}
	return nil
}

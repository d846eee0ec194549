package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	mcperrors "github.com/ajitpratap0/mcp-engine-go/pkg/errors"
	"github.com/ajitpratap0/mcp-engine-go/pkg/logging"
	"github.com/ajitpratap0/mcp-engine-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-engine-go/pkg/session"
)

// maxCloseReason is the control frame payload limit minus the status code
const maxCloseReason = 123

// WebSocketTransport serves one session per WebSocket connection. Each
// text frame carries exactly one envelope.
type WebSocketTransport struct {
	dispatcher
	netServer
	config   TransportConfig
	upgrader websocket.Upgrader
	router   chi.Router

	mu      sync.RWMutex
	sockets map[string]*wsConn
	closing bool
	conns   sync.WaitGroup

	running  atomic.Bool
	done     chan struct{}
	stopOnce sync.Once
}

// wsConn is one upgraded connection. Data frames are written under
// writeMu; control frames go through WriteControl which is concurrency safe.
type wsConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) write(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if timeout > 0 {
		_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// close sends a close frame and tears the connection down once
func (c *wsConn) close(code int, reason string) {
	c.closeOnce.Do(func() {
		if len(reason) > maxCloseReason {
			reason = reason[:maxCloseReason]
		}
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		close(c.done)
		_ = c.conn.Close()
	})
}

// NewWebSocketTransport creates a WebSocket transport listening on
// config.Addr() and upgrading requests on config.Path.
func NewWebSocketTransport(config TransportConfig, sessions SessionManager, handler Handler) *WebSocketTransport {
	config.Type = TransportTypeWebSocket
	config = config.withDefaults()

	t := &WebSocketTransport{
		dispatcher: newDispatcher(config, sessions, handler),
		config:     config,
		sockets:    make(map[string]*wsConn),
		done:       make(chan struct{}),
	}
	t.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return originAllowed(t.config.AllowedOrigins, r.Header.Get("Origin"))
		},
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(logging.HTTPMiddleware(t.logger))
	r.Get(config.Path, t.handleUpgrade)
	r.Get("/healthz", healthHandler)
	t.router = r

	// a session closed by the store (sweep, shutdown) drops its socket
	sessions.OnClose(func(closed *session.Snapshot, reason string) {
		if closed.ConnectionType != session.ConnectionWebSocket {
			return
		}
		if c := t.detach(closed.ID); c != nil {
			c.close(websocket.CloseGoingAway, reason)
		}
	})
	return t
}

// Type implements Transport
func (t *WebSocketTransport) Type() TransportType { return TransportTypeWebSocket }

// IsRunning implements Transport
func (t *WebSocketTransport) IsRunning() bool { return t.running.Load() }

// Handler exposes the HTTP handler so the transport can be mounted on an
// existing server
func (t *WebSocketTransport) Handler() http.Handler { return t.router }

// Start listens and serves until Stop or ctx cancellation
func (t *WebSocketTransport) Start(ctx context.Context) error {
	if !t.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer t.running.Store(false)

	return t.serve(ctx, t.config, t.router, t.logger, t.done, t.shutdown)
}

// Stop closes the listener and every open connection
func (t *WebSocketTransport) Stop(ctx context.Context) error {
	t.stopOnce.Do(func() { close(t.done) })
	return t.shutdown(ctx)
}

func (t *WebSocketTransport) shutdown(ctx context.Context) error {
	t.mu.Lock()
	t.closing = true
	open := make([]*wsConn, 0, len(t.sockets))
	for _, c := range t.sockets {
		open = append(open, c)
	}
	t.mu.Unlock()

	err := t.netServer.shutdown(ctx)
	// hijacked connections are not tracked by http.Server
	for _, c := range open {
		c.close(websocket.CloseGoingAway, reasonStopped)
	}

	waited := make(chan struct{})
	go func() {
		t.conns.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	return err
}

// SendMessage writes a server-initiated envelope to one connection. A
// failed write closes that session only.
func (t *WebSocketTransport) SendMessage(ctx context.Context, sessionID string, msg protocol.Envelope) error {
	t.mu.RLock()
	c, ok := t.sockets[sessionID]
	t.mu.RUnlock()
	if !ok {
		return mcperrors.SessionNotFound(sessionID)
	}

	data, err := encode(msg)
	if err != nil {
		return mcperrors.Internal("encode message", err)
	}
	if err := c.write(data, t.config.WriteTimeout); err != nil {
		t.sessions.RecordError(sessionID)
		t.detach(sessionID)
		c.close(websocket.CloseInternalServerErr, reasonWriteFailed)
		t.sessions.CloseSession(sessionID, reasonWriteFailed)
		return mcperrors.ConnectionClosed("websocket", sessionID, err)
	}
	t.recordOutbound(ctx, sessionID, msg, len(data))
	return nil
}

func (t *WebSocketTransport) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader has already written the HTTP error
		t.logger.Debug("WebSocket upgrade failed", logging.ErrorField(err))
		t.metrics.RecordTransportEvent(r.Context(), string(t.kind), "upgrade", "error")
		return
	}
	c := &wsConn{conn: conn, done: make(chan struct{})}

	snap, err := t.sessions.CreateSession(t.kind.ConnectionType(), r.RemoteAddr, map[string]string{
		"user_agent": r.UserAgent(),
	})
	if err != nil {
		t.logger.Warn("Rejecting WebSocket connection", logging.ErrorField(err))
		c.close(websocket.CloseTryAgainLater, err.Error())
		return
	}
	sessionID := snap.ID

	t.mu.Lock()
	if t.closing {
		t.mu.Unlock()
		c.close(websocket.CloseGoingAway, reasonStopped)
		t.sessions.CloseSession(sessionID, reasonStopped)
		return
	}
	t.sockets[sessionID] = c
	t.conns.Add(1)
	t.mu.Unlock()
	defer t.conns.Done()

	t.metrics.RecordActiveConnections(r.Context(), string(t.kind), 1)
	defer t.metrics.RecordActiveConnections(context.Background(), string(t.kind), -1)

	reason := t.serveConn(sessionID, c)

	t.detach(sessionID)
	c.close(websocket.CloseNormalClosure, reason)
	t.sessions.CloseSession(sessionID, reason)
}

// serveConn runs the read loop for one connection and returns the close
// reason. Frames are handled in arrival order.
func (t *WebSocketTransport) serveConn(sessionID string, c *wsConn) string {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ctx = logging.ContextWithSessionID(ctx, sessionID)

	conn := c.conn
	conn.SetReadLimit(t.config.MaxMessageSize)

	readWait := t.config.ReadTimeout
	pingEvery := t.config.PingInterval
	if readWait > 0 && pingEvery >= readWait {
		pingEvery = readWait * 9 / 10
	}
	extend := func() {
		if readWait > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(readWait))
		}
	}
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	if pingEvery > 0 {
		go func() {
			ticker := time.NewTicker(pingEvery)
			defer ticker.Stop()
			for {
				select {
				case <-c.done:
					return
				case <-ticker.C:
					if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
						return
					}
				}
			}
		}()
	}

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return t.readFailure(sessionID, err)
		}
		extend()

		var reply []byte
		if msgType != websocket.TextMessage {
			resp := mcperrors.ToResponse(protocol.ID{}, mcperrors.InvalidRequest("binary frames are not supported"))
			reply = t.reply(sessionID, resp, protocol.KindRequest, time.Now()).reply
		} else {
			reply = t.handleFrame(ctx, sessionID, data).reply
		}
		if reply == nil {
			continue
		}
		if err := c.write(reply, t.config.WriteTimeout); err != nil {
			t.sessions.RecordError(sessionID)
			return reasonWriteFailed
		}
	}
}

func (t *WebSocketTransport) readFailure(sessionID string, err error) string {
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		return reasonPeerClosed
	case errors.Is(err, websocket.ErrReadLimit):
		t.logger.Warn("Inbound frame exceeds limit",
			logging.String(logging.SessionIDKey, sessionID),
			logging.Int64("limit", t.config.MaxMessageSize),
		)
		return "message too large"
	default:
		t.mu.RLock()
		closing := t.closing
		t.mu.RUnlock()
		if closing {
			return reasonStopped
		}
		t.logger.Debug("WebSocket read ended",
			logging.String(logging.SessionIDKey, sessionID),
			logging.ErrorField(err),
		)
		return reasonPeerClosed
	}
}

// detach removes and returns the connection for a session
func (t *WebSocketTransport) detach(sessionID string) *wsConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	c, ok := t.sockets[sessionID]
	if !ok {
		return nil
	}
	delete(t.sockets, sessionID)
	return c
}

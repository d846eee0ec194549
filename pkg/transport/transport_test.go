package transport

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mcperrors "github.com/ajitpratap0/mcp-engine-go/pkg/errors"
	"github.com/ajitpratap0/mcp-engine-go/pkg/logging"
	"github.com/ajitpratap0/mcp-engine-go/pkg/observability"
	"github.com/ajitpratap0/mcp-engine-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-engine-go/pkg/session"
)

// echoHandler answers "echo" with its params and "initialize" with a
// minimal result, panics on "boom" and records
// every notification it sees
type echoHandler struct {
	mu            sync.Mutex
	notifications []string
	sessions      []string
}

func (h *echoHandler) HandleMessage(_ context.Context, sessionID string, msg protocol.Envelope) *protocol.Response {
	h.mu.Lock()
	h.sessions = append(h.sessions, sessionID)
	h.mu.Unlock()

	switch m := msg.(type) {
	case *protocol.Request:
		switch m.Method {
		case "echo":
			return protocol.MakeResponse(m.ID, m.Params)
		case protocol.MethodInitialize:
			return protocol.MakeResponse(m.ID, map[string]string{"protocolVersion": protocol.ProtocolRevision})
		case "boom":
			panic("handler exploded")
		default:
			return protocol.MakeErrorResponse(m.ID, protocol.MethodNotFound, "method not found: "+m.Method, nil)
		}
	case *protocol.Notification:
		h.mu.Lock()
		h.notifications = append(h.notifications, m.Method)
		h.mu.Unlock()
	}
	return nil
}

func (h *echoHandler) seenNotifications() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.notifications...)
}

func newTestStore(t *testing.T, maxSessions int) *session.Store {
	t.Helper()
	cfg := session.DefaultConfig()
	cfg.MaxSessions = maxSessions
	s := session.NewStore(cfg, session.WithLogger(logging.Discard()))
	t.Cleanup(s.Stop)
	return s
}

func testConfig(tt TransportType) TransportConfig {
	cfg := DefaultTransportConfig(tt)
	cfg.Port = 0
	cfg.Logger = logging.Discard()
	return cfg
}

// decodeResponse parses a reply frame and fails the test if it is not a response
func decodeResponse(t *testing.T, data []byte) *protocol.Response {
	t.Helper()
	env, err := protocol.Parse(data)
	require.NoError(t, err)
	resp, ok := env.(*protocol.Response)
	require.True(t, ok, "expected a response, got %T", env)
	return resp
}

func TestTransportConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*TransportConfig)
		wantErr int
	}{
		{name: "defaults", mutate: func(*TransportConfig) {}},
		{name: "unknown type", mutate: func(c *TransportConfig) { c.Type = "carrier-pigeon" }, wantErr: mcperrors.CodeUnsupportedTransport},
		{name: "port out of range", mutate: func(c *TransportConfig) { c.Port = 70000 }, wantErr: mcperrors.CodeInvalidConfiguration},
		{name: "relative path", mutate: func(c *TransportConfig) { c.Path = "rpc" }, wantErr: mcperrors.CodeInvalidConfiguration},
		{name: "zero message size", mutate: func(c *TransportConfig) { c.MaxMessageSize = 0 }, wantErr: mcperrors.CodeInvalidConfiguration},
		{name: "negative timeout", mutate: func(c *TransportConfig) { c.ReadTimeout = -time.Second }, wantErr: mcperrors.CodeInvalidConfiguration},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultTransportConfig(TransportTypeHTTP)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == 0 {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, mcperrors.IsCode(err, tt.wantErr), "got %v", err)
		})
	}
}

func TestDefaultTransportConfig(t *testing.T) {
	ws := DefaultTransportConfig(TransportTypeWebSocket)
	assert.Equal(t, "/ws", ws.Path)
	assert.Equal(t, 8081, ws.Port)
	assert.Equal(t, 30*time.Second, ws.PingInterval)

	h := DefaultTransportConfig(TransportTypeHTTP)
	assert.Equal(t, "/rpc", h.Path)
	assert.Equal(t, "127.0.0.1:8080", h.Addr())

	assert.Equal(t, int64(4<<20), DefaultTransportConfig(TransportTypeStdio).MaxMessageSize)
}

func TestNewTransportFactory(t *testing.T) {
	store := newTestStore(t, 10)
	handler := &echoHandler{}

	for _, tt := range []TransportType{TransportTypeStdio, TransportTypeWebSocket, TransportTypeHTTP} {
		t.Run(string(tt), func(t *testing.T) {
			tr, err := NewTransport(testConfig(tt), store, handler)
			require.NoError(t, err)
			assert.Equal(t, tt, tr.Type())
			assert.False(t, tr.IsRunning())

			// the factory always wraps in the observability middleware
			_, wrapped := tr.(*observabilityTransport)
			assert.True(t, wrapped)
			assert.Equal(t, tt, Unwrap(tr).Type())
		})
	}
}

func TestNewTransportUnknownTypeFailsFast(t *testing.T) {
	cfg := testConfig("smoke-signal")
	tr, err := NewTransport(cfg, newTestStore(t, 1), &echoHandler{})
	require.Error(t, err)
	assert.Nil(t, tr)
	assert.ErrorIs(t, err, ErrUnsupportedTransportType)
}

func TestNewTransportRequiresCollaborators(t *testing.T) {
	_, err := NewTransport(testConfig(TransportTypeHTTP), nil, &echoHandler{})
	assert.True(t, mcperrors.IsCode(err, mcperrors.CodeInvalidConfiguration))
}

func TestOriginAllowed(t *testing.T) {
	assert.True(t, originAllowed([]string{"*"}, "https://evil.example"))
	assert.True(t, originAllowed([]string{"https://app.example"}, ""))
	assert.True(t, originAllowed([]string{"https://app.example"}, "https://APP.example"))
	assert.False(t, originAllowed([]string{"https://app.example"}, "https://other.example"))
}

func TestDispatcherHandleFrame(t *testing.T) {
	store := newTestStore(t, 10)
	snap, err := store.CreateSession(session.ConnectionStdio, "stdio", nil)
	require.NoError(t, err)

	handler := &echoHandler{}
	d := newDispatcher(testConfig(TransportTypeStdio).withDefaults(), store, handler)
	ctx := context.Background()

	t.Run("request", func(t *testing.T) {
		res := d.handleFrame(ctx, snap.ID, []byte(`{"jsonrpc":"2.0","id":7,"method":"echo","params":{"a":1}}`))
		require.NotNil(t, res.reply)
		resp := decodeResponse(t, res.reply)
		assert.Equal(t, protocol.IntID(7), resp.ID)
		assert.JSONEq(t, `{"a":1}`, string(resp.Result))
		assert.False(t, res.isError)
	})

	t.Run("notification has no reply", func(t *testing.T) {
		res := d.handleFrame(ctx, snap.ID, []byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
		assert.Nil(t, res.reply)
		assert.Equal(t, []string{"notifications/initialized"}, handler.seenNotifications())
	})

	t.Run("malformed input", func(t *testing.T) {
		res := d.handleFrame(ctx, snap.ID, []byte(`{"jsonrpc":`))
		require.NotNil(t, res.reply)
		assert.True(t, res.malformed)
		resp := decodeResponse(t, res.reply)
		require.NotNil(t, resp.Error)
		assert.Equal(t, protocol.ParseError, resp.Error.Code)
		assert.True(t, resp.ID.IsNull())
	})

	t.Run("panic becomes internal error", func(t *testing.T) {
		res := d.handleFrame(ctx, snap.ID, []byte(`{"jsonrpc":"2.0","id":"p","method":"boom"}`))
		resp := decodeResponse(t, res.reply)
		require.NotNil(t, resp.Error)
		assert.Equal(t, protocol.InternalError, resp.Error.Code)
		assert.Equal(t, protocol.StringID("p"), resp.ID)
	})

	t.Run("client response is ignored", func(t *testing.T) {
		res := d.handleFrame(ctx, snap.ID, []byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
		assert.Nil(t, res.reply)
	})

	m, ok := store.Metrics(snap.ID)
	require.True(t, ok)
	assert.Equal(t, int64(2), m.RequestsReceived)
	assert.Equal(t, int64(3), m.ResponsesSent)
	assert.Equal(t, int64(2), m.ErrorsCount)
	assert.Positive(t, m.BytesReceived)
	assert.Positive(t, m.BytesSent)
}

func TestDispatcherLogsUnknownSession(t *testing.T) {
	store := newTestStore(t, 10)
	var buf bytes.Buffer
	logger := logging.New(&buf, logging.NewJSONFormatter())
	logger.SetLevel(logging.DebugLevel)

	cfg := testConfig(TransportTypeStdio)
	cfg.Logger = logger
	d := newDispatcher(cfg.withDefaults(), store, &echoHandler{})

	res := d.handleFrame(context.Background(), "swept", []byte(`{"jsonrpc":"2.0","id":1,"method":"echo"}`))
	require.NotNil(t, res.reply)
	assert.Contains(t, buf.String(), "Frame for unknown session")
	assert.Contains(t, buf.String(), "swept")
}

// recordingTransport is a minimal Transport for middleware tests
type recordingTransport struct {
	sendErr error
	sent    []protocol.Envelope
}

func (r *recordingTransport) Start(context.Context) error { return nil }
func (r *recordingTransport) Stop(context.Context) error  { return nil }
func (r *recordingTransport) IsRunning() bool             { return true }
func (r *recordingTransport) Type() TransportType         { return TransportTypeWebSocket }
func (r *recordingTransport) SendMessage(_ context.Context, _ string, msg protocol.Envelope) error {
	r.sent = append(r.sent, msg)
	return r.sendErr
}

func TestChainMiddlewareOrder(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return MiddlewareFunc(func(next Transport) Transport {
			order = append(order, name)
			return &middlewareTransport{next: next}
		})
	}

	base := &recordingTransport{}
	wrapped := ChainMiddleware(tag("outer"), tag("inner")).Wrap(base)

	// inner wraps first so outer ends up outermost
	assert.Equal(t, []string{"inner", "outer"}, order)
	assert.Same(t, base, Unwrap(wrapped))
	require.NoError(t, wrapped.SendMessage(context.Background(), "s", protocol.MakeNotification("x", nil)))
	assert.Len(t, base.sent, 1)
}

func TestObservabilityMiddlewareRecordsSends(t *testing.T) {
	metrics, err := observability.NewMetricsProvider(observability.MetricsConfig{})
	require.NoError(t, err)
	base := &recordingTransport{}
	tr := NewObservabilityMiddleware(logging.Discard(), metrics).Wrap(base)

	ctx := context.Background()
	msg := protocol.MakeNotification(protocol.MethodResourceUpdated, map[string]string{"uri": "file:///a"})
	require.NoError(t, tr.SendMessage(ctx, "s1", msg))

	base.sendErr = mcperrors.ConnectionClosed("websocket", "s1", errors.New("broken pipe"))
	require.Error(t, tr.SendMessage(ctx, "s1", msg))

	base.sendErr = mcperrors.PushUnsupported("http", "s1")
	require.Error(t, tr.SendMessage(ctx, "s1", msg))

	count, err := testutil.GatherAndCount(metrics.Registry(), "mcp_engine_transport_events_total")
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

package router

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/mcp-engine-go/pkg/logging"
	"github.com/ajitpratap0/mcp-engine-go/pkg/observability"
	"github.com/ajitpratap0/mcp-engine-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-engine-go/pkg/session"
)

// stubRegistry serves a fixed set of capabilities
type stubRegistry struct {
	release chan struct{}
	calls   chan string
}

func newStubRegistry() *stubRegistry {
	return &stubRegistry{release: make(chan struct{}), calls: make(chan string, 16)}
}

func (s *stubRegistry) List(_ context.Context, kind protocol.CapabilityKind) ([]protocol.Capability, error) {
	switch kind {
	case protocol.KindTool:
		return []protocol.Capability{
			{Name: "echo", InputSchema: json.RawMessage(`{"type":"object","required":["text"]}`)},
			{Name: "slow"},
			{Name: "stubborn"},
			{Name: "explode"},
			{Name: "broken"},
		}, nil
	case protocol.KindResource:
		return []protocol.Capability{{Name: "readme", URI: "file:///readme", MimeType: "text/plain"}}, nil
	case protocol.KindPrompt:
		return []protocol.Capability{{Name: "greet", Arguments: []protocol.PromptArgument{{Name: "who", Required: true}}}}, nil
	}
	return nil, nil
}

func (s *stubRegistry) Call(ctx context.Context, kind protocol.CapabilityKind, name string, args map[string]interface{}) (*protocol.CallResult, error) {
	select {
	case s.calls <- name:
	default:
	}
	switch name {
	case "echo":
		return &protocol.CallResult{Content: []protocol.ContentBlock{protocol.TextContent(args["text"].(string))}}, nil
	case "slow":
		<-ctx.Done()
		return nil, ctx.Err()
	case "stubborn":
		<-s.release
		return &protocol.CallResult{}, nil
	case "explode":
		panic("registry exploded")
	case "broken":
		return nil, errors.New("db down: password=hunter2")
	case "file:///readme":
		return &protocol.CallResult{Content: []protocol.ContentBlock{protocol.TextContent("hello")}}, nil
	case "greet":
		return &protocol.CallResult{Content: []protocol.ContentBlock{protocol.TextContent("hi " + args["who"].(string))}}, nil
	}
	return nil, errors.New("unreachable")
}

// recordingSender captures pushed messages and fails for chosen sessions
type recordingSender struct {
	mu     sync.Mutex
	sent   map[string][]protocol.Envelope
	failOn map[string]bool
}

func newRecordingSender() *recordingSender {
	return &recordingSender{sent: map[string][]protocol.Envelope{}, failOn: map[string]bool{}}
}

func (s *recordingSender) SendMessage(_ context.Context, sessionID string, msg protocol.Envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failOn[sessionID] {
		return errors.New("connection reset")
	}
	s.sent[sessionID] = append(s.sent[sessionID], msg)
	return nil
}

func (s *recordingSender) messages(sessionID string) []protocol.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Envelope(nil), s.sent[sessionID]...)
}

type fixture struct {
	router   *Router
	store    *session.Store
	registry *stubRegistry
	metrics  *observability.PrometheusMetricsProvider
}

func newFixture(t *testing.T, config Config, opts ...Option) *fixture {
	t.Helper()
	store := session.NewStore(session.DefaultConfig(), session.WithLogger(logging.Discard()))
	t.Cleanup(store.Stop)
	metrics, err := observability.NewMetricsProvider(observability.MetricsConfig{})
	require.NoError(t, err)

	if config.ServerInfo.Name == "" {
		config.ServerInfo = protocol.ServerInfo{Name: "engine-test", Version: "1.0.0"}
	}
	registry := newStubRegistry()
	t.Cleanup(func() { close(registry.release) })
	opts = append([]Option{WithLogger(logging.Discard()), WithMetrics(metrics)}, opts...)
	return &fixture{
		router:   New(config, store, registry, opts...),
		store:    store,
		registry: registry,
		metrics:  metrics,
	}
}

func (f *fixture) newSession(t *testing.T) string {
	t.Helper()
	snap, err := f.store.CreateSession(session.ConnectionWebSocket, "127.0.0.1:5000", nil)
	require.NoError(t, err)
	return snap.ID
}

func (f *fixture) initialized(t *testing.T) string {
	t.Helper()
	id := f.newSession(t)
	resp := f.call(t, id, `{"jsonrpc":"2.0","id":0,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"test","version":"0.1"}}}`)
	require.Nil(t, resp.Error)
	return id
}

// call parses frame and hands it to the router
func (f *fixture) call(t *testing.T, sessionID, frame string) *protocol.Response {
	t.Helper()
	env, err := protocol.Parse([]byte(frame))
	require.NoError(t, err)
	return f.router.HandleMessage(context.Background(), sessionID, env)
}

func TestPingBeforeHandshake(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.newSession(t)

	resp := f.call(t, id, `{"jsonrpc":"2.0","id":"1","method":"ping","params":{}}`)
	require.NotNil(t, resp)
	data, err := protocol.Serialize(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"jsonrpc":"2.0","id":"1","result":{}}`, string(data))
}

func TestUnknownMethod(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.newSession(t)

	resp := f.call(t, id, `{"jsonrpc":"2.0","id":"7","method":"nope"}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.MethodNotFound, resp.Error.Code)
	assert.Equal(t, protocol.StringID("7"), resp.ID)
}

func TestHandshakeGate(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.newSession(t)

	for _, method := range []string{"tools/list", "tools/call", "resources/subscribe", "logging/setLevel"} {
		resp := f.call(t, id, `{"jsonrpc":"2.0","id":1,"method":"`+method+`"}`)
		require.NotNil(t, resp.Error, method)
		assert.Equal(t, protocol.InvalidRequest, resp.Error.Code, method)
		assert.Equal(t, "session not initialized", resp.Error.Message, method)
	}

	resp := f.call(t, "ghost", `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.InvalidRequest, resp.Error.Code)
}

func TestInitialize(t *testing.T) {
	f := newFixture(t, Config{Instructions: "be nice"})
	id := f.newSession(t)

	resp := f.call(t, id, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{"sampling":{}},"clientInfo":{"name":"cli","version":"2.0"}}}`)
	require.Nil(t, resp.Error)

	var result protocol.InitializeResult
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Equal(t, "2024-11-05", result.ProtocolVersion)
	assert.Equal(t, "engine-test", result.ServerInfo.Name)
	assert.Equal(t, "be nice", result.Instructions)
	require.NotNil(t, result.Capabilities.Resources)
	assert.True(t, result.Capabilities.Resources.Subscribe)

	snap, ok := f.store.GetSession(id)
	require.True(t, ok)
	assert.Equal(t, session.StateReady, snap.State)
	assert.Equal(t, "cli", snap.ClientInfo.Name)

	// the handshake happens once
	resp = f.call(t, id, `{"jsonrpc":"2.0","id":2,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{},"clientInfo":{"name":"cli","version":"2.0"}}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.InvalidRequest, resp.Error.Code)

	resp = f.call(t, id, `{"jsonrpc":"2.0","id":3,"method":"tools/list"}`)
	assert.Nil(t, resp.Error)
}

func TestInitializeInvalidParams(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.newSession(t)

	resp := f.call(t, id, `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{"protocolVersion":"2024-11-05","capabilities":{}}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.InvalidParams, resp.Error.Code)
	assert.Equal(t, "clientInfo is required", resp.Error.Message)

	snap, ok := f.store.GetSession(id)
	require.True(t, ok)
	assert.Equal(t, session.StateConnecting, snap.State)
}

func TestToolsList(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.initialized(t)

	resp := f.call(t, id, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.Nil(t, resp.Error)
	var result struct {
		Tools []protocol.Capability `json:"tools"`
	}
	require.NoError(t, json.Unmarshal(resp.Result, &result))
	assert.Len(t, result.Tools, 5)
}

func TestToolsCall(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.initialized(t)

	tests := []struct {
		name     string
		params   string
		wantCode protocol.ErrorCode
		wantMsg  string
	}{
		{name: "unknown tool", params: `{"name":"nope"}`, wantCode: protocol.InvalidParams, wantMsg: "unknown tool: nope"},
		{name: "missing name", params: `{}`, wantCode: protocol.InvalidParams, wantMsg: "name is required"},
		{name: "arguments not an object", params: `{"name":"echo","arguments":[1]}`, wantCode: protocol.InvalidParams, wantMsg: "arguments must be an object"},
		{name: "missing required argument", params: `{"name":"echo","arguments":{}}`, wantCode: protocol.InvalidParams, wantMsg: "missing required argument: text"},
		{name: "registry failure is not leaked", params: `{"name":"broken"}`, wantCode: protocol.InternalError, wantMsg: "Internal error"},
		{name: "panic", params: `{"name":"explode"}`, wantCode: protocol.InternalError, wantMsg: "Internal error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := f.call(t, id, `{"jsonrpc":"2.0","id":9,"method":"tools/call","params":`+tt.params+`}`)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)
			assert.Equal(t, tt.wantMsg, resp.Error.Message)
			assert.Equal(t, protocol.IntID(9), resp.ID)
		})
	}

	resp := f.call(t, id, `{"jsonrpc":"2.0","id":10,"method":"tools/call","params":{"name":"echo","arguments":{"text":"hey"}}}`)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"content":[{"type":"text","text":"hey"}]}`, string(resp.Result))

	count, err := testutil.GatherAndCount(f.metrics.Registry(), "mcp_engine_capability_call_total")
	require.NoError(t, err)
	assert.Positive(t, count)
}

func TestResourcesAndPrompts(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.initialized(t)

	resp := f.call(t, id, `{"jsonrpc":"2.0","id":1,"method":"resources/read","params":{"uri":"file:///readme"}}`)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"contents":[{"uri":"file:///readme","text":"hello"}]}`, string(resp.Result))

	resp = f.call(t, id, `{"jsonrpc":"2.0","id":2,"method":"resources/read","params":{"uri":"file:///missing"}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "unknown resource: file:///missing", resp.Error.Message)

	resp = f.call(t, id, `{"jsonrpc":"2.0","id":3,"method":"prompts/get","params":{"name":"greet","arguments":{"who":"ada"}}}`)
	require.Nil(t, resp.Error)
	assert.JSONEq(t, `{"messages":[{"role":"user","content":{"type":"text","text":"hi ada"}}]}`, string(resp.Result))

	resp = f.call(t, id, `{"jsonrpc":"2.0","id":4,"method":"prompts/get","params":{"name":"greet"}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.InvalidParams, resp.Error.Code)
}

func TestCallTimeout(t *testing.T) {
	f := newFixture(t, Config{CallTimeout: 50 * time.Millisecond})
	id := f.initialized(t)

	start := time.Now()
	resp := f.call(t, id, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"stubborn"}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.InternalError, resp.Error.Code)
	assert.Equal(t, "Request timed out", resp.Error.Message)
	assert.Less(t, time.Since(start), time.Second)
}

func TestCancelSuppressesResponse(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.initialized(t)

	env, err := protocol.Parse([]byte(`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"slow"}}`))
	require.NoError(t, err)
	result := make(chan *protocol.Response, 1)
	go func() { result <- f.router.HandleMessage(context.Background(), id, env) }()

	require.Equal(t, "slow", <-f.registry.calls)
	assert.Equal(t, 1, f.router.InFlight())

	// an id from another session does not match
	other := f.initialized(t)
	assert.Nil(t, f.call(t, other, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":5}}`))
	assert.Equal(t, 1, f.router.InFlight())

	assert.Nil(t, f.call(t, id, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":5,"reason":"user abort"}}`))

	select {
	case resp := <-result:
		assert.Nil(t, resp)
	case <-time.After(2 * time.Second):
		t.Fatal("cancelled request did not finish")
	}
	assert.Equal(t, 0, f.router.InFlight())

	// cancelling again is a no-op
	assert.Nil(t, f.call(t, id, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":5}}`))
}

func TestMiddlewareOrder(t *testing.T) {
	var order []string
	tag := func(name string) CallMiddleware {
		return func(next CallHandler) CallHandler {
			return func(ctx context.Context, inv *Invocation) (interface{}, error) {
				order = append(order, name)
				return next(ctx, inv)
			}
		}
	}
	f := newFixture(t, Config{}, WithMiddleware(tag("first"), tag("second"), tag("third")))
	id := f.initialized(t)

	resp := f.call(t, id, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	require.Nil(t, resp.Error)
	assert.Equal(t, []string{"first", "second", "third"}, order)
}

func TestDefaultMiddlewareShape(t *testing.T) {
	chain := DefaultMiddleware(logging.Discard(), nil, newStubRegistry(), time.Second)
	assert.Len(t, chain, 6)
}

func TestSubscribeAndNotify(t *testing.T) {
	sender := newRecordingSender()
	f := newFixture(t, Config{}, WithSender(sender))
	a := f.initialized(t)
	b := f.initialized(t)
	c := f.initialized(t)

	for _, id := range []string{a, b, c} {
		resp := f.call(t, id, `{"jsonrpc":"2.0","id":1,"method":"resources/subscribe","params":{"uri":"file:///readme"}}`)
		require.Nil(t, resp.Error)
	}
	// subscribing twice is the same as once
	resp := f.call(t, a, `{"jsonrpc":"2.0","id":2,"method":"resources/subscribe","params":{"uri":"file:///readme"}}`)
	require.Nil(t, resp.Error)
	want := []string{a, b, c}
	sort.Strings(want)
	assert.Equal(t, want, f.store.Subscribers("file:///readme"))

	sender.failOn[c] = true
	delivered := f.router.NotifyResourceUpdated(context.Background(), "file:///readme")
	assert.Equal(t, 2, delivered)
	require.Len(t, sender.messages(a), 1)
	notif, ok := sender.messages(a)[0].(*protocol.Notification)
	require.True(t, ok)
	assert.Equal(t, protocol.MethodResourceUpdated, notif.Method)
	assert.JSONEq(t, `{"uri":"file:///readme"}`, string(notif.Params))

	resp = f.call(t, b, `{"jsonrpc":"2.0","id":3,"method":"resources/unsubscribe","params":{"uri":"file:///readme"}}`)
	require.Nil(t, resp.Error)
	resp = f.call(t, b, `{"jsonrpc":"2.0","id":4,"method":"resources/unsubscribe","params":{"uri":"file:///other"}}`)
	require.Nil(t, resp.Error)

	assert.Equal(t, 1, f.router.NotifyResourceUpdated(context.Background(), "file:///readme"))
	assert.Len(t, sender.messages(b), 1)
	assert.Equal(t, 0, f.router.NotifyResourceUpdated(context.Background(), "file:///nobody"))

	resp = f.call(t, a, `{"jsonrpc":"2.0","id":5,"method":"resources/subscribe","params":{}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.InvalidParams, resp.Error.Code)
}

func TestSetLogLevelFiltersPushedLogs(t *testing.T) {
	sender := newRecordingSender()
	f := newFixture(t, Config{})
	f.router.SetSender(sender)
	id := f.initialized(t)
	ctx := context.Background()

	require.NoError(t, f.router.SendLog(ctx, id, protocol.LogLevelDebug, "engine", "before"))
	assert.Len(t, sender.messages(id), 1)

	resp := f.call(t, id, `{"jsonrpc":"2.0","id":1,"method":"logging/setLevel","params":{"level":"warning"}}`)
	require.Nil(t, resp.Error)
	assert.Equal(t, protocol.LogLevelWarning, f.store.GetContext(id, LogLevelKey, nil))

	require.NoError(t, f.router.SendLog(ctx, id, protocol.LogLevelInfo, "engine", "dropped"))
	require.NoError(t, f.router.SendLog(ctx, id, protocol.LogLevelError, "engine", "kept"))
	assert.Len(t, sender.messages(id), 2)

	resp = f.call(t, id, `{"jsonrpc":"2.0","id":2,"method":"logging/setLevel","params":{"level":"loud"}}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, protocol.InvalidParams, resp.Error.Code)
}

func TestSendProgressWithoutSender(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.initialized(t)
	err := f.router.SendProgress(context.Background(), id, "tok", 1, 2, "half")
	assert.Error(t, err)
}

func TestNotificationsHaveNoResponse(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.newSession(t)

	assert.Nil(t, f.call(t, id, `{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	assert.Nil(t, f.call(t, id, `{"jsonrpc":"2.0","method":"notifications/whatever","params":{"x":1}}`))
	assert.Nil(t, f.call(t, id, `{"jsonrpc":"2.0","method":"notifications/cancelled","params":{"requestId":null}}`))
	assert.Nil(t, f.router.HandleMessage(context.Background(), id, protocol.MakeResponse(protocol.IntID(1), nil)))
}

func TestRequestMetrics(t *testing.T) {
	f := newFixture(t, Config{})
	id := f.newSession(t)

	f.call(t, id, `{"jsonrpc":"2.0","id":1,"method":"ping"}`)
	f.call(t, id, `{"jsonrpc":"2.0","id":2,"method":"nope"}`)

	count, err := testutil.GatherAndCount(f.metrics.Registry(), "mcp_engine_request_total")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

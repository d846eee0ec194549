package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	mcperrors "github.com/ajitpratap0/mcp-engine-go/pkg/errors"
	"github.com/ajitpratap0/mcp-engine-go/pkg/logging"
	"github.com/ajitpratap0/mcp-engine-go/pkg/observability"
	"github.com/ajitpratap0/mcp-engine-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-engine-go/pkg/session"
)

// Transport carries envelopes between clients and the engine. Every
// implementation creates a session per physical connection, feeds inbound
// frames to a Handler in order and writes replies on the same connection.
type Transport interface {
	// Start serves until Stop is called or ctx is done
	Start(ctx context.Context) error
	// Stop closes every connection and releases resources
	Stop(ctx context.Context) error
	// SendMessage pushes a server-initiated envelope to a session. A dead or
	// unknown session yields an error, never a panic.
	SendMessage(ctx context.Context, sessionID string, msg protocol.Envelope) error
	IsRunning() bool
	Type() TransportType
}

// Handler processes one decoded envelope. It returns nil when nothing
// should be written back.
type Handler interface {
	HandleMessage(ctx context.Context, sessionID string, msg protocol.Envelope) *protocol.Response
}

// HandlerFunc adapts a function to the Handler interface
type HandlerFunc func(ctx context.Context, sessionID string, msg protocol.Envelope) *protocol.Response

// HandleMessage calls f
func (f HandlerFunc) HandleMessage(ctx context.Context, sessionID string, msg protocol.Envelope) *protocol.Response {
	return f(ctx, sessionID, msg)
}

// SessionManager is the part of the session store transports use
type SessionManager interface {
	CreateSession(connType session.ConnectionType, remoteAddr string, metadata map[string]string) (*session.Snapshot, error)
	GetSession(sessionID string) (*session.Snapshot, bool)
	CloseSession(sessionID, reason string) bool
	UpdateActivity(sessionID string) error
	RecordRequest(sessionID string, n int)
	RecordReceived(sessionID string, n int)
	RecordResponse(sessionID string, n int, latency time.Duration, isError bool)
	RecordNotification(sessionID string, n int)
	RecordError(sessionID string)
	OnClose(hook session.CloseHook)
}

var _ SessionManager = (*session.Store)(nil)

// TransportType identifies the transport implementation
type TransportType string

const (
	TransportTypeStdio     TransportType = "stdio"
	TransportTypeWebSocket TransportType = "websocket"
	TransportTypeHTTP      TransportType = "http"
)

// ConnectionType maps the transport to the session connection type
func (t TransportType) ConnectionType() session.ConnectionType {
	switch t {
	case TransportTypeWebSocket:
		return session.ConnectionWebSocket
	case TransportTypeHTTP:
		return session.ConnectionHTTP
	default:
		return session.ConnectionStdio
	}
}

// Close reasons reported to the session store
const (
	reasonEOF          = "eof"
	reasonPeerClosed   = "peer closed"
	reasonWriteFailed  = "write failed"
	reasonClientDelete = "client delete"
	reasonStopped      = "transport stopped"
	reasonStateless    = "stateless request"
)

// Errors
var (
	ErrUnsupportedTransportType = mcperrors.ErrUnsupportedTransportType
	ErrPushUnsupported          = mcperrors.ErrPushUnsupported
	ErrNotRunning               = errors.New("transport is not running")
	ErrAlreadyRunning           = errors.New("transport is already running")
)

// TransportConfig is the configuration shared by all transports
type TransportConfig struct {
	Type TransportType `json:"type" validate:"required"`

	// Network transports
	Host string `json:"host,omitempty" validate:"omitempty,hostname_rfc1123|ip"`
	Port int    `json:"port,omitempty" validate:"gte=0,lte=65535"`
	Path string `json:"path,omitempty" validate:"omitempty,startswith=/"`

	ReadTimeout  time.Duration `json:"read_timeout" validate:"gte=0"`
	WriteTimeout time.Duration `json:"write_timeout" validate:"gte=0"`
	// PingInterval is the WebSocket keepalive period; 0 disables pings
	PingInterval time.Duration `json:"ping_interval" validate:"gte=0"`
	// MaxMessageSize bounds one inbound frame in bytes
	MaxMessageSize int64 `json:"max_message_size" validate:"gt=0"`

	// AllowedOrigins is used for CORS and WebSocket origin checks; "*" allows any
	AllowedOrigins []string `json:"allowed_origins,omitempty"`

	// StdioReader and StdioWriter replace os.Stdin and os.Stdout
	StdioReader io.Reader `json:"-"`
	StdioWriter io.Writer `json:"-"`

	Logger  logging.Logger                `json:"-"`
	Metrics observability.MetricsProvider `json:"-"`
}

// DefaultTransportConfig returns a configuration with sensible defaults
func DefaultTransportConfig(transportType TransportType) TransportConfig {
	cfg := TransportConfig{
		Type:           transportType,
		Host:           "127.0.0.1",
		ReadTimeout:    30 * time.Second,
		WriteTimeout:   30 * time.Second,
		MaxMessageSize: 4 << 20,
		AllowedOrigins: []string{"*"},
	}
	switch transportType {
	case TransportTypeWebSocket:
		cfg.Port = 8081
		cfg.Path = "/ws"
		cfg.PingInterval = 30 * time.Second
	case TransportTypeHTTP:
		cfg.Port = 8080
		cfg.Path = "/rpc"
	}
	return cfg
}

// Addr returns the host:port the network transports listen on
func (c TransportConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

var validate = validator.New()

// Validate checks the configuration. An unknown type is reported as
// ErrUnsupportedTransportType so misconfiguration fails before first use.
func (c TransportConfig) Validate() error {
	switch c.Type {
	case TransportTypeStdio, TransportTypeWebSocket, TransportTypeHTTP:
	default:
		return mcperrors.UnsupportedTransport(string(c.Type))
	}

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return mcperrors.InvalidTransportConfiguration(string(c.Type), fe.Field(),
				fmt.Sprintf("failed %q check", fe.Tag()))
		}
		return mcperrors.InvalidTransportConfiguration(string(c.Type), "config", err.Error())
	}
	return nil
}

// withDefaults fills zero values that every transport relies on
func (c TransportConfig) withDefaults() TransportConfig {
	d := DefaultTransportConfig(c.Type)
	if c.Path == "" {
		c.Path = d.Path
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = d.MaxMessageSize
	}
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = d.AllowedOrigins
	}
	c.Logger = logging.OrGlobal(c.Logger).WithFields(
		logging.String(logging.ComponentKey, "transport"),
		logging.String("transport", string(c.Type)),
	)
	c.Metrics = observability.OrNoop(c.Metrics)
	return c
}

// NewTransport creates the transport selected by config.Type, wrapped in
// the observability middleware.
func NewTransport(config TransportConfig, sessions SessionManager, handler Handler) (Transport, error) {
	config = config.withDefaults()
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if sessions == nil || handler == nil {
		return nil, mcperrors.InvalidTransportConfiguration(string(config.Type), "handler", "session manager and handler are required")
	}

	var base Transport
	switch config.Type {
	case TransportTypeStdio:
		base = NewStdioTransport(config, sessions, handler)
	case TransportTypeWebSocket:
		base = NewWebSocketTransport(config, sessions, handler)
	case TransportTypeHTTP:
		base = NewHTTPTransport(config, sessions, handler)
	default:
		return nil, mcperrors.UnsupportedTransport(string(config.Type))
	}

	return ChainMiddleware(NewObservabilityMiddleware(config.Logger, config.Metrics)).Wrap(base), nil
}

// originAllowed reports whether origin matches the allow list. Requests
// without an Origin header come from non-browser clients and are allowed.
func originAllowed(allowed []string, origin string) bool {
	if origin == "" {
		return true
	}
	for _, a := range allowed {
		if a == "*" || strings.EqualFold(a, origin) {
			return true
		}
	}
	return false
}

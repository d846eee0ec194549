package transport

import (
	"context"

	"github.com/ajitpratap0/mcp-engine-go/pkg/protocol"
)

// Middleware represents a transport middleware that can wrap a transport
// to add behavior around outbound delivery and lifecycle calls
type Middleware interface {
	// Wrap wraps the given transport with middleware functionality
	Wrap(transport Transport) Transport
}

// MiddlewareFunc is an adapter to allow the use of ordinary functions as middleware
type MiddlewareFunc func(Transport) Transport

// Wrap implements the Middleware interface
func (f MiddlewareFunc) Wrap(t Transport) Transport {
	return f(t)
}

// ChainMiddleware chains multiple middleware together
func ChainMiddleware(middleware ...Middleware) Middleware {
	return MiddlewareFunc(func(transport Transport) Transport {
		// Apply middleware in reverse order so the first middleware is the outermost
		for i := len(middleware) - 1; i >= 0; i-- {
			transport = middleware[i].Wrap(transport)
		}
		return transport
	})
}

// Unwrap returns the innermost transport beneath any middleware
func Unwrap(t Transport) Transport {
	for {
		w, ok := t.(interface{ Unwrap() Transport })
		if !ok {
			return t
		}
		t = w.Unwrap()
	}
}

// middlewareTransport is a base type for middleware implementations
type middlewareTransport struct {
	next Transport
}

// Start delegates to the wrapped transport
func (m *middlewareTransport) Start(ctx context.Context) error {
	return m.next.Start(ctx)
}

// Stop delegates to the wrapped transport
func (m *middlewareTransport) Stop(ctx context.Context) error {
	return m.next.Stop(ctx)
}

// SendMessage delegates to the wrapped transport
func (m *middlewareTransport) SendMessage(ctx context.Context, sessionID string, msg protocol.Envelope) error {
	return m.next.SendMessage(ctx, sessionID, msg)
}

// IsRunning delegates to the wrapped transport
func (m *middlewareTransport) IsRunning() bool {
	return m.next.IsRunning()
}

// Type delegates to the wrapped transport
func (m *middlewareTransport) Type() TransportType {
	return m.next.Type()
}

// Unwrap returns the wrapped transport
func (m *middlewareTransport) Unwrap() Transport {
	return m.next
}

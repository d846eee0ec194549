// Package transport moves envelopes between clients and the engine over
// stdio, WebSocket and HTTP.
//
// Every transport binds physical connections to sessions in a shared
// SessionManager, hands each decoded envelope to a Handler and writes the
// reply back on the same connection. Frames from one connection are handled
// strictly in the order they arrive.
//
// # Framing
//
//   - stdio: one envelope per line on standard input and output; a single
//     session lives for the life of the process and EOF closes it
//   - WebSocket: one envelope per text frame, one session per connection
//   - HTTP: one envelope per POST body and one reply per response body; the
//     Mcp-Session-Id header selects the session and server push is not
//     available
//
// Malformed input is answered with an error envelope and never closes the
// connection. An oversized frame is rejected according to MaxMessageSize.
//
// # Usage
//
//	cfg := transport.DefaultTransportConfig(transport.TransportTypeWebSocket)
//	cfg.Port = 9000
//	t, err := transport.NewTransport(cfg, store, router)
//	if err != nil {
//		return err
//	}
//	return t.Start(ctx)
//
// NewTransport rejects an unknown transport type before anything is opened
// and wraps the result in the observability middleware.
package transport

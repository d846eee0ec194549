package transport

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	mcperrors "github.com/ajitpratap0/mcp-engine-go/pkg/errors"
	"github.com/ajitpratap0/mcp-engine-go/pkg/logging"
	"github.com/ajitpratap0/mcp-engine-go/pkg/observability"
	"github.com/ajitpratap0/mcp-engine-go/pkg/protocol"
)

// dispatcher is the inbound path shared by every transport: decode a
// frame, hand it to the handler, encode the reply and keep the session
// counters current.
type dispatcher struct {
	kind     TransportType
	sessions SessionManager
	handler  Handler
	logger   logging.Logger
	metrics  observability.MetricsProvider
}

func newDispatcher(config TransportConfig, sessions SessionManager, handler Handler) dispatcher {
	return dispatcher{
		kind:     config.Type,
		sessions: sessions,
		handler:  handler,
		logger:   config.Logger,
		metrics:  config.Metrics,
	}
}

// frameResult is the outcome of one inbound frame
type frameResult struct {
	// reply is the encoded response, nil when nothing is written back
	reply []byte
	kind  protocol.Kind
	// isError is set when reply carries an error object
	isError bool
	// malformed is set when the frame could not be decoded
	malformed bool
}

// handleFrame processes one inbound frame for a session. Malformed input
// is answered with an error envelope and never ends the connection.
func (d dispatcher) handleFrame(ctx context.Context, sessionID string, data []byte) frameResult {
	start := time.Now()
	d.metrics.RecordMessageBytes(string(d.kind), "in", len(data))
	if err := d.sessions.UpdateActivity(sessionID); err != nil {
		// the handler still answers, e.g. with "session not initialized"
		d.logger.Debug("Frame for unknown session",
			logging.String(logging.SessionIDKey, sessionID),
			logging.ErrorField(err),
		)
	}

	env, err := protocol.Parse(data)
	if err != nil {
		d.sessions.RecordReceived(sessionID, len(data))
		d.metrics.RecordError(ctx, "decode", "")
		d.logger.Debug("Rejected inbound frame",
			logging.String(logging.SessionIDKey, sessionID),
			logging.ErrorField(err),
		)
		res := d.reply(sessionID, protocol.FailureResponse(err), protocol.KindResponse, start)
		res.malformed = true
		return res
	}

	switch msg := env.(type) {
	case *protocol.Request:
		d.sessions.RecordRequest(sessionID, len(data))
		return d.reply(sessionID, d.invoke(ctx, sessionID, msg), protocol.KindRequest, start)
	case *protocol.Notification:
		d.sessions.RecordReceived(sessionID, len(data))
		d.metrics.RecordNotification(ctx, "in", msg.Method)
		d.invoke(ctx, sessionID, msg)
		return frameResult{kind: protocol.KindNotification}
	default:
		// the engine never issues requests, so a client response has no waiter
		d.sessions.RecordReceived(sessionID, len(data))
		d.logger.Debug("Ignoring client response", logging.String(logging.SessionIDKey, sessionID))
		return frameResult{kind: protocol.KindResponse}
	}
}

// invoke calls the handler, turning a panic into an InternalError
// response for requests
func (d dispatcher) invoke(ctx context.Context, sessionID string, msg protocol.Envelope) (resp *protocol.Response) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Panic in message handler",
				logging.String(logging.SessionIDKey, sessionID),
				logging.Any("panic", r),
				logging.String("stack", string(debug.Stack())),
			)
			d.metrics.RecordError(ctx, "panic", "")
			resp = nil
			if req, ok := msg.(*protocol.Request); ok {
				resp = mcperrors.ToResponse(req.ID, mcperrors.HandlerPanic(req.Method, r))
			}
		}
	}()
	return d.handler.HandleMessage(ctx, sessionID, msg)
}

func (d dispatcher) reply(sessionID string, resp *protocol.Response, kind protocol.Kind, start time.Time) frameResult {
	if resp == nil {
		return frameResult{kind: kind}
	}
	out, err := encode(resp)
	if err != nil {
		d.logger.Error("Failed to encode response",
			logging.String(logging.SessionIDKey, sessionID),
			logging.ErrorField(err),
		)
		out, _ = encode(mcperrors.ToResponse(resp.ID, mcperrors.Internal("encode response", err)))
	}
	d.sessions.RecordResponse(sessionID, len(out), time.Since(start), resp.IsError())
	d.metrics.RecordMessageBytes(string(d.kind), "out", len(out))
	return frameResult{reply: out, kind: kind, isError: resp.IsError()}
}

// encode serializes an outbound envelope
func encode(msg protocol.Envelope) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("nil envelope")
	}
	return protocol.Serialize(msg)
}

// recordOutbound updates counters for a server-initiated envelope
func (d dispatcher) recordOutbound(ctx context.Context, sessionID string, msg protocol.Envelope, n int) {
	d.metrics.RecordMessageBytes(string(d.kind), "out", n)
	if notif, ok := msg.(*protocol.Notification); ok {
		d.sessions.RecordNotification(sessionID, n)
		d.metrics.RecordNotification(ctx, "out", notif.Method)
	}
}

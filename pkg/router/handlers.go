package router

import (
	"context"
	"encoding/json"
	"strings"

	mcperrors "github.com/ajitpratap0/mcp-engine-go/pkg/errors"
	"github.com/ajitpratap0/mcp-engine-go/pkg/logging"
	"github.com/ajitpratap0/mcp-engine-go/pkg/protocol"
)

// emptyResult renders as {}
type emptyResult struct{}

// decodeParams unmarshals request params into target
func decodeParams(req *protocol.Request, target interface{}) error {
	if err := req.UnmarshalParams(target); err != nil {
		return mcperrors.InvalidParamsf("params", "invalid params for %s", req.Method).WithDetail(err.Error())
	}
	return nil
}

func (r *Router) handleInitialize(ctx context.Context, sessionID string, req *protocol.Request) (interface{}, error) {
	params, perr := protocol.ValidateHandshakeParams(req.Params)
	if perr != nil {
		return nil, perr
	}

	snap, err := r.store.InitializeSession(sessionID, params)
	if err != nil {
		return nil, err
	}

	r.logger.WithContext(ctx).Info("Handshake completed",
		logging.String("client", params.ClientInfo.Name),
		logging.String("protocol_version", snap.ProtocolVersion),
	)
	return &protocol.InitializeResult{
		ProtocolVersion: snap.ProtocolVersion,
		Capabilities:    *r.config.Capabilities,
		ServerInfo:      r.config.ServerInfo,
		Instructions:    r.config.Instructions,
	}, nil
}

func (r *Router) handlePing(context.Context, string, *protocol.Request) (interface{}, error) {
	return emptyResult{}, nil
}

// listHandler serves tools/list, resources/list and prompts/list
func (r *Router) listHandler(kind protocol.CapabilityKind) methodHandler {
	return func(ctx context.Context, sessionID string, req *protocol.Request) (interface{}, error) {
		return r.capabilities(ctx, &Invocation{
			SessionID: sessionID,
			Method:    req.Method,
			Kind:      kind,
			List:      true,
		})
	}
}

// callHandler serves tools/call and prompts/get
func (r *Router) callHandler(kind protocol.CapabilityKind) methodHandler {
	return func(ctx context.Context, sessionID string, req *protocol.Request) (interface{}, error) {
		var params struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := decodeParams(req, &params); err != nil {
			return nil, err
		}
		if strings.TrimSpace(params.Name) == "" {
			return nil, mcperrors.InvalidParams("name", "name is required")
		}
		return r.capabilities(ctx, &Invocation{
			SessionID:    sessionID,
			Method:       req.Method,
			Kind:         kind,
			Name:         params.Name,
			RawArguments: params.Arguments,
		})
	}
}

func (r *Router) handleReadResource(ctx context.Context, sessionID string, req *protocol.Request) (interface{}, error) {
	var params protocol.ReadResourceParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.URI) == "" {
		return nil, mcperrors.InvalidParams("uri", "uri is required")
	}
	return r.capabilities(ctx, &Invocation{
		SessionID: sessionID,
		Method:    req.Method,
		Kind:      protocol.KindResource,
		Name:      params.URI,
	})
}

func (r *Router) handleSubscribe(ctx context.Context, sessionID string, req *protocol.Request) (interface{}, error) {
	var params protocol.SubscribeParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if _, err := r.store.Subscribe(sessionID, params.URI); err != nil {
		return nil, err
	}
	return emptyResult{}, nil
}

func (r *Router) handleUnsubscribe(ctx context.Context, sessionID string, req *protocol.Request) (interface{}, error) {
	var params protocol.SubscribeParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if strings.TrimSpace(params.URI) == "" {
		return nil, mcperrors.InvalidParams("uri", "uri is required")
	}
	r.store.Unsubscribe(sessionID, params.URI)
	return emptyResult{}, nil
}

func (r *Router) handleSetLogLevel(ctx context.Context, sessionID string, req *protocol.Request) (interface{}, error) {
	var params protocol.SetLogLevelParams
	if err := decodeParams(req, &params); err != nil {
		return nil, err
	}
	if !params.Level.Valid() {
		return nil, mcperrors.InvalidParamsf("level", "unknown log level: %s", params.Level)
	}
	if err := r.store.SetContext(sessionID, LogLevelKey, params.Level); err != nil {
		return nil, err
	}
	return emptyResult{}, nil
}

func (r *Router) handleInitialized(ctx context.Context, sessionID string, _ *protocol.Notification) {
	r.logger.WithContext(ctx).Debug("Client confirmed initialization")
}

func (r *Router) handleCancelled(ctx context.Context, sessionID string, n *protocol.Notification) {
	var params protocol.CancelledParams
	if err := n.UnmarshalParams(&params); err != nil || params.RequestID.IsNull() {
		r.logger.WithContext(ctx).Debug("Ignoring malformed cancellation")
		return
	}
	if !r.cancelRequest(sessionID, params.RequestID) {
		r.logger.WithContext(ctx).Debug("Ignoring cancellation for unknown request",
			logging.String("cancelled_id", params.RequestID.String()),
		)
		return
	}
	r.logger.WithContext(ctx).Info("Request cancelled by client",
		logging.String("cancelled_id", params.RequestID.String()),
		logging.String("reason", params.Reason),
	)
}

package errors

import (
	"context"
	stderrors "errors"

	"github.com/ajitpratap0/mcp-engine-go/pkg/protocol"
)

// ToWireError converts any error to the error object sent to a client.
// Errors with a wire code keep their message and data, except
// InternalError whose text is always replaced. Everything else is
// mapped through the registry and given the registry's safe description,
// so internal detail never leaves the process.
func ToWireError(err error) *protocol.Error {
	if err == nil {
		return nil
	}

	var rpcErr *protocol.Error
	if stderrors.As(err, &rpcErr) && rpcErr.Code.Valid() {
		if rpcErr.Code == protocol.InternalError {
			return protocol.NewError(protocol.InternalError, "Internal error", nil)
		}
		return rpcErr
	}

	mcpErr, ok := AsMCPError(err)
	if !ok {
		switch {
		case stderrors.Is(err, context.DeadlineExceeded):
			return protocol.NewError(protocol.InternalError, "Request timed out", nil)
		case stderrors.Is(err, context.Canceled):
			return protocol.NewError(protocol.RequestCancelled, "Request cancelled", nil)
		}
		return protocol.NewError(protocol.InternalError, "Internal error", nil)
	}

	if IsWireCode(mcpErr.Code()) {
		wire := protocol.ErrorCode(mcpErr.Code())
		if wire == protocol.InternalError {
			return protocol.NewError(wire, "Internal error", nil)
		}
		return protocol.NewError(wire, mcpErr.Message(), mcpErr.Data())
	}

	info, known := GetErrorCodeInfo(mcpErr.Code())
	if !known {
		return protocol.NewError(protocol.InternalError, "Internal error", nil)
	}
	switch info.Category {
	case CategorySession, CategoryValidation:
		// state problems are the client's to fix, so the message is useful
		return protocol.NewError(info.Wire, mcpErr.Message(), nil)
	}
	return protocol.NewError(info.Wire, info.Description, nil)
}

// FromWireError converts a wire error object to an MCPError
func FromWireError(e *protocol.Error) MCPError {
	if e == nil {
		return nil
	}
	code := int(e.Code)
	err := NewError(code, e.Message, GetErrorCodeCategory(code), GetErrorCodeSeverity(code))
	if e.Data != nil {
		err = err.WithData(e.Data)
	}
	return err
}

// ToResponse builds the error response for err on the given request id
func ToResponse(id protocol.ID, err error) *protocol.Response {
	return protocol.ErrorResponse(id, ToWireError(err))
}

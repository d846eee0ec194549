package errors

import (
	"fmt"
)

// TransportErrorData contains structured data for transport-related errors
type TransportErrorData struct {
	Transport string `json:"transport"`
	Operation string `json:"operation,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ErrUnsupportedTransportType is matched by errors.Is against the error
// returned for an unknown transport type
var ErrUnsupportedTransportType = NewError(CodeUnsupportedTransport, "unsupported transport type", CategoryTransport, SeverityCritical)

// ErrPushUnsupported is matched by errors.Is when a transport cannot send
// server-initiated messages
var ErrPushUnsupported = NewError(CodePushUnsupported, "transport does not support server push", CategoryTransport, SeverityWarning)

// TransportError creates a generic transport I/O error
func TransportError(transport, operation string, cause error) MCPError {
	message := fmt.Sprintf("%s transport error", transport)
	if operation != "" {
		message = fmt.Sprintf("%s transport error during %s", transport, operation)
	}
	data := &TransportErrorData{Transport: transport, Operation: operation}
	if cause != nil {
		message = fmt.Sprintf("%s: %s", message, cause.Error())
		data.Reason = cause.Error()
	}
	return WrapError(cause, CodeTransportError, message, CategoryTransport, SeverityError).
		WithData(data).
		WithContext(&Context{Transport: transport, Operation: operation})
}

// ConnectionClosed creates an error for a send to a session whose
// connection is gone
func ConnectionClosed(transport, sessionID string, cause error) MCPError {
	data := &TransportErrorData{Transport: transport, Operation: "send", SessionID: sessionID}
	if cause != nil {
		data.Reason = cause.Error()
	}
	return WrapError(cause, CodeConnectionClosed,
		fmt.Sprintf("%s connection for session %s is closed", transport, sessionID),
		CategoryTransport, SeverityWarning).
		WithData(data).
		WithContext(&Context{Transport: transport, SessionID: sessionID})
}

// UnsupportedTransport creates the configuration-time error for an unknown
// transport type
func UnsupportedTransport(transportType string) MCPError {
	return NewErrorf(CodeUnsupportedTransport, CategoryTransport, SeverityCritical,
		"unsupported transport type: %q", transportType).
		WithContext(&Context{Transport: transportType, Operation: "configure"})
}

// InvalidTransportConfiguration creates an error for a rejected configuration
func InvalidTransportConfiguration(transport, parameter, reason string) MCPError {
	return NewErrorf(CodeInvalidConfiguration, CategoryTransport, SeverityCritical,
		"invalid %s transport configuration: %s %s", transport, parameter, reason).
		WithData(&ParamErrorData{Field: parameter, Reason: reason}).
		WithContext(&Context{Transport: transport, Operation: "configure"})
}

// MessageTooLarge creates an error for an inbound frame over the limit.
// A negative size means the frame was not read to the end.
func MessageTooLarge(transport string, size, limit int64) MCPError {
	message := fmt.Sprintf("message of %d bytes exceeds the %d byte limit", size, limit)
	if size < 0 {
		message = fmt.Sprintf("message exceeds the %d byte limit", limit)
	}
	return NewError(CodeMessageTooLarge, message, CategoryTransport, SeverityWarning).
		WithContext(&Context{Transport: transport})
}

// PushUnsupported creates the error returned by transports without a
// server-to-client channel
func PushUnsupported(transport, sessionID string) MCPError {
	return NewErrorf(CodePushUnsupported, CategoryTransport, SeverityWarning,
		"%s transport cannot push to session %s", transport, sessionID).
		WithContext(&Context{Transport: transport, SessionID: sessionID})
}

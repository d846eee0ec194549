package errors

import (
	"github.com/ajitpratap0/mcp-engine-go/pkg/protocol"
)

// Wire codes. These are the only codes a client ever sees.
const (
	CodeParseError       = int(protocol.ParseError)
	CodeInvalidRequest   = int(protocol.InvalidRequest)
	CodeMethodNotFound   = int(protocol.MethodNotFound)
	CodeInvalidParams    = int(protocol.InvalidParams)
	CodeInternalError    = int(protocol.InternalError)
	CodeRequestCancelled = int(protocol.RequestCancelled)
)

// Server-side codes. They classify failures inside the engine and are
// rewritten to a wire code by ToWireError.
const (
	// Session errors (-32010 to -32019)
	CodeSessionLimit    = -32010 // Maximum number of live sessions reached
	CodeSessionNotFound = -32011 // No live session with the given id
	CodeInvalidState    = -32012 // Operation not allowed in the session's state
	CodeNotInitialized  = -32013 // Session has not completed the handshake

	// Execution errors (-32020 to -32029)
	CodeTimeout      = -32020 // Handler exceeded its deadline
	CodeHandlerPanic = -32021 // Handler panicked
	CodeRateLimited  = -32022 // Session exceeded its call rate

	// Transport errors (-32030 to -32039)
	CodeTransportError       = -32030 // Generic transport I/O failure
	CodeConnectionClosed     = -32031 // Peer connection is gone
	CodeUnsupportedTransport = -32032 // Unknown transport type in configuration
	CodeInvalidConfiguration = -32033 // Transport configuration rejected
	CodeMessageTooLarge      = -32034 // Frame exceeds the configured limit
	CodePushUnsupported      = -32035 // Transport cannot deliver server-initiated messages
)

// ErrorCodeInfo provides human-readable information about error codes.
// Wire is the code a client receives and Description doubles as the safe
// client-facing message for codes that are not themselves wire codes.
type ErrorCodeInfo struct {
	Code        int
	Name        string
	Description string
	Category    Category
	Severity    Severity
	Wire        protocol.ErrorCode
}

var errorCodeRegistry = map[int]ErrorCodeInfo{
	CodeParseError:       {CodeParseError, "ParseError", "Parse error", CategoryProtocol, SeverityWarning, protocol.ParseError},
	CodeInvalidRequest:   {CodeInvalidRequest, "InvalidRequest", "Invalid request", CategoryProtocol, SeverityWarning, protocol.InvalidRequest},
	CodeMethodNotFound:   {CodeMethodNotFound, "MethodNotFound", "Method not found", CategoryProtocol, SeverityWarning, protocol.MethodNotFound},
	CodeInvalidParams:    {CodeInvalidParams, "InvalidParams", "Invalid params", CategoryValidation, SeverityWarning, protocol.InvalidParams},
	CodeInternalError:    {CodeInternalError, "InternalError", "Internal error", CategoryInternal, SeverityError, protocol.InternalError},
	CodeRequestCancelled: {CodeRequestCancelled, "RequestCancelled", "Request cancelled", CategoryCancelled, SeverityInfo, protocol.RequestCancelled},

	CodeSessionLimit:    {CodeSessionLimit, "SessionLimit", "Server is at session capacity", CategoryCapacity, SeverityWarning, protocol.InternalError},
	CodeSessionNotFound: {CodeSessionNotFound, "SessionNotFound", "Session not found", CategorySession, SeverityWarning, protocol.InvalidRequest},
	CodeInvalidState:    {CodeInvalidState, "InvalidState", "Invalid session state", CategorySession, SeverityWarning, protocol.InvalidRequest},
	CodeNotInitialized:  {CodeNotInitialized, "NotInitialized", "Session not initialized", CategorySession, SeverityWarning, protocol.InvalidRequest},

	CodeTimeout:      {CodeTimeout, "Timeout", "Request timed out", CategoryTimeout, SeverityError, protocol.InternalError},
	CodeHandlerPanic: {CodeHandlerPanic, "HandlerPanic", "Internal error", CategoryInternal, SeverityCritical, protocol.InternalError},
	CodeRateLimited:  {CodeRateLimited, "RateLimited", "Rate limit exceeded", CategoryCapacity, SeverityWarning, protocol.InvalidRequest},

	CodeTransportError:       {CodeTransportError, "TransportError", "Transport error", CategoryTransport, SeverityError, protocol.InternalError},
	CodeConnectionClosed:     {CodeConnectionClosed, "ConnectionClosed", "Connection closed", CategoryTransport, SeverityWarning, protocol.InternalError},
	CodeUnsupportedTransport: {CodeUnsupportedTransport, "UnsupportedTransport", "Unsupported transport type", CategoryTransport, SeverityCritical, protocol.InternalError},
	CodeInvalidConfiguration: {CodeInvalidConfiguration, "InvalidConfiguration", "Invalid transport configuration", CategoryTransport, SeverityCritical, protocol.InternalError},
	CodeMessageTooLarge:      {CodeMessageTooLarge, "MessageTooLarge", "Message too large", CategoryTransport, SeverityWarning, protocol.InvalidRequest},
	CodePushUnsupported:      {CodePushUnsupported, "PushUnsupported", "Transport does not support server push", CategoryTransport, SeverityWarning, protocol.InternalError},
}

// GetErrorCodeInfo returns information about an error code
func GetErrorCodeInfo(code int) (ErrorCodeInfo, bool) {
	info, exists := errorCodeRegistry[code]
	return info, exists
}

// GetErrorCodeName returns the name of an error code
func GetErrorCodeName(code int) string {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Name
	}
	return "UnknownError"
}

// GetErrorCodeCategory returns the category of an error code
func GetErrorCodeCategory(code int) Category {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Category
	}
	return CategoryInternal
}

// GetErrorCodeSeverity returns the severity of an error code
func GetErrorCodeSeverity(code int) Severity {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Severity
	}
	return SeverityError
}

// WireCode returns the code a client receives for code
func WireCode(code int) protocol.ErrorCode {
	if info, exists := errorCodeRegistry[code]; exists {
		return info.Wire
	}
	return protocol.InternalError
}

// IsWireCode reports whether code may be sent to a client unchanged
func IsWireCode(code int) bool {
	return protocol.ErrorCode(code).Valid()
}

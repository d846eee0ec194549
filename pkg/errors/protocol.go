package errors

import (
	"fmt"
	"time"
)

// ParamErrorData identifies the offending parameter of an InvalidParams error
type ParamErrorData struct {
	Field  string `json:"field"`
	Reason string `json:"reason,omitempty"`
}

// ParseFailure creates an error for payloads that are not valid JSON
func ParseFailure(details string) MCPError {
	return NewError(CodeParseError, "Parse error", CategoryProtocol, SeverityWarning).WithDetail(details)
}

// InvalidRequest creates an error for payloads that are not valid envelopes
// or requests that are not allowed in the current protocol state
func InvalidRequest(message string) MCPError {
	return NewError(CodeInvalidRequest, message, CategoryProtocol, SeverityWarning)
}

// MethodNotFound creates an error for methods missing from the dispatch table
func MethodNotFound(method string) MCPError {
	return NewError(
		CodeMethodNotFound,
		fmt.Sprintf("Method not found: %s", method),
		CategoryProtocol,
		SeverityWarning,
	).WithContext(&Context{Method: method})
}

// InvalidParams creates an error for a bad method parameter
func InvalidParams(field, message string) MCPError {
	return NewError(CodeInvalidParams, message, CategoryValidation, SeverityWarning).
		WithData(&ParamErrorData{Field: field})
}

// InvalidParamsf is InvalidParams with a formatted message
func InvalidParamsf(field, format string, args ...interface{}) MCPError {
	return InvalidParams(field, fmt.Sprintf(format, args...))
}

// Internal wraps cause as an InternalError. The cause is kept for logs only.
func Internal(operation string, cause error) MCPError {
	err := WrapError(cause, CodeInternalError, "Internal error", CategoryInternal, SeverityError)
	if cause != nil {
		err = err.WithDetail(cause.Error())
	}
	if operation != "" {
		err = err.WithContext(&Context{Operation: operation})
	}
	return err
}

// RequestCancelled creates an error for a request the client withdrew
func RequestCancelled(requestID, reason string) MCPError {
	err := NewError(CodeRequestCancelled, "Request cancelled", CategoryCancelled, SeverityInfo).
		WithContext(&Context{RequestID: requestID})
	if reason != "" {
		err = err.WithDetail(reason)
	}
	return err
}

// Timeout creates an error for an operation that exceeded its deadline
func Timeout(operation string, limit time.Duration) MCPError {
	return NewErrorf(CodeTimeout, CategoryTimeout, SeverityError, "%s timed out after %s", operation, limit).
		WithContext(&Context{Operation: operation})
}

// HandlerPanic creates an error for a recovered panic
func HandlerPanic(method string, recovered interface{}) MCPError {
	return NewErrorf(CodeHandlerPanic, CategoryInternal, SeverityCritical, "panic in %s handler", method).
		WithDetail(fmt.Sprint(recovered)).
		WithContext(&Context{Method: method})
}

// RateLimited creates an error for a caller that exhausted its call budget
func RateLimited(key string, perMinute int) MCPError {
	return NewErrorf(CodeRateLimited, CategoryCapacity, SeverityWarning, "rate limit of %d calls per minute exceeded", perMinute).
		WithContext(&Context{SessionID: key})
}

package errors

import (
	"fmt"
)

// Sentinels for errors.Is checks. Matching is by code.
var (
	ErrSessionLimit    = NewError(CodeSessionLimit, "session limit reached", CategoryCapacity, SeverityWarning)
	ErrSessionNotFound = NewError(CodeSessionNotFound, "session not found", CategorySession, SeverityWarning)
	ErrInvalidState    = NewError(CodeInvalidState, "invalid session state", CategorySession, SeverityWarning)
)

// CapacityErrorData describes a rejected session creation
type CapacityErrorData struct {
	Limit int `json:"limit"`
	Live  int `json:"live"`
}

// SessionLimitExceeded creates the error returned when a new session would
// exceed the configured maximum
func SessionLimitExceeded(limit, live int) MCPError {
	return NewErrorf(CodeSessionLimit, CategoryCapacity, SeverityWarning,
		"session limit reached: %d of %d sessions in use", live, limit).
		WithData(&CapacityErrorData{Limit: limit, Live: live})
}

// SessionNotFound creates an error for an unknown or closed session id
func SessionNotFound(sessionID string) MCPError {
	return NewErrorf(CodeSessionNotFound, CategorySession, SeverityWarning, "session not found: %s", sessionID).
		WithContext(&Context{SessionID: sessionID})
}

// InvalidStateTransition creates an error for an operation the session's
// current state does not allow
func InvalidStateTransition(sessionID, from, to string) MCPError {
	return NewError(
		CodeInvalidState,
		fmt.Sprintf("session %s cannot move from %s to %s", sessionID, from, to),
		CategorySession,
		SeverityWarning,
	).WithContext(&Context{SessionID: sessionID})
}

// NotInitialized creates the error for methods used before the handshake
func NotInitialized(sessionID, method string) MCPError {
	return NewError(CodeNotInitialized, "session not initialized", CategorySession, SeverityWarning).
		WithContext(&Context{SessionID: sessionID, Method: method})
}

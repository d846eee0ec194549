package session

// State is a position in the session lifecycle.
//
//	Created → Connecting → Ready → Active ⇄ Idle → Disconnecting → Disconnected
//
// Error is reachable from every non-terminal state.
type State int

const (
	StateCreated State = iota
	StateConnecting
	StateReady
	StateActive
	StateIdle
	StateDisconnecting
	StateDisconnected
	StateError
)

var stateNames = [...]string{
	StateCreated:       "created",
	StateConnecting:    "connecting",
	StateReady:         "ready",
	StateActive:        "active",
	StateIdle:          "idle",
	StateDisconnecting: "disconnecting",
	StateDisconnected:  "disconnected",
	StateError:         "error",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// IsTerminal reports whether no further transition is possible
func (s State) IsTerminal() bool {
	return s == StateDisconnected
}

// IsOperational reports whether the session completed the handshake and
// has not started closing
func (s State) IsOperational() bool {
	return s == StateReady || s == StateActive || s == StateIdle
}

// CanTransition reports whether a session may move from one state to
// another. Active and Idle are informational siblings and may alternate;
// every other move goes forward only.
func CanTransition(from, to State) bool {
	if from.IsTerminal() || from == to {
		return false
	}

	switch to {
	case StateDisconnecting, StateError:
		return from != StateDisconnecting || to == StateError
	case StateDisconnected:
		return true
	}

	switch from {
	case StateCreated:
		return to == StateConnecting
	case StateConnecting:
		return to == StateReady
	case StateReady:
		return to == StateActive || to == StateIdle
	case StateActive:
		return to == StateIdle
	case StateIdle:
		return to == StateActive
	}
	return false
}

// ConnectionType identifies the transport that owns a session
type ConnectionType string

const (
	ConnectionStdio     ConnectionType = "stdio"
	ConnectionWebSocket ConnectionType = "websocket"
	ConnectionHTTP      ConnectionType = "http"
)

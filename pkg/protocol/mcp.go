package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

const (
	// Current protocol revision
	ProtocolRevision = "2025-03-26"

	// Methods for lifecycle management
	MethodInitialize  = "initialize"
	MethodInitialized = "notifications/initialized"
	MethodPing        = "ping"

	// Methods for server features
	MethodListTools           = "tools/list"
	MethodCallTool            = "tools/call"
	MethodListResources       = "resources/list"
	MethodReadResource        = "resources/read"
	MethodSubscribeResource   = "resources/subscribe"
	MethodUnsubscribeResource = "resources/unsubscribe"
	MethodListPrompts         = "prompts/list"
	MethodGetPrompt           = "prompts/get"

	// Methods for utilities
	MethodSetLogLevel = "logging/setLevel"

	// Notifications
	MethodCancelled       = "notifications/cancelled"
	MethodProgress        = "notifications/progress"
	MethodLog             = "notifications/message"
	MethodResourceUpdated = "notifications/resources/updated"
)

// SupportedProtocolVersions lists every revision the server can speak,
// newest first.
var SupportedProtocolVersions = []string{ProtocolRevision, "2024-11-05"}

// NegotiateProtocolVersion echoes the requested revision when it is
// supported and falls back to the newest revision otherwise.
func NegotiateProtocolVersion(requested string) string {
	for _, v := range SupportedProtocolVersions {
		if v == requested {
			return v
		}
	}
	return ProtocolRevision
}

// ClientInfo identifies the connecting client
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ServerInfo identifies this server in the handshake result
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// HandshakeParams is the validated payload of an initialize request.
// Capabilities maps each capability flag the client sent to its value,
// which is either a bool or an options object.
type HandshakeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ClientInfo      ClientInfo             `json:"clientInfo"`
}

// HasCapability reports whether the client advertised the named capability
func (p *HandshakeParams) HasCapability(name string) bool {
	v, ok := p.Capabilities[name]
	if !ok {
		return false
	}
	if b, isBool := v.(bool); isBool {
		return b
	}
	return true
}

func invalidParams(field, message string) *Error {
	return NewError(InvalidParams, message, map[string]interface{}{"field": field})
}

// ValidateHandshakeParams checks the shape of initialize params and returns
// the typed result. Every failure is an InvalidParams error whose message
// names the offending wire field.
func ValidateHandshakeParams(raw json.RawMessage) (*HandshakeParams, *Error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, invalidParams("params", "params are required")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, invalidParams("params", "params must be an object")
	}

	params := &HandshakeParams{}

	version, verr := requiredString(fields, "protocolVersion", "protocolVersion")
	if verr != nil {
		return nil, verr
	}
	params.ProtocolVersion = version

	rawCaps, ok := fields["capabilities"]
	if !ok || bytes.Equal(bytes.TrimSpace(rawCaps), []byte("null")) {
		return nil, invalidParams("capabilities", "capabilities is required")
	}
	var caps map[string]json.RawMessage
	if err := json.Unmarshal(rawCaps, &caps); err != nil {
		return nil, invalidParams("capabilities", "capabilities must be an object")
	}
	params.Capabilities = make(map[string]interface{}, len(caps))
	names := make([]string, 0, len(caps))
	for name := range caps {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		flag := bytes.TrimSpace(caps[name])
		switch {
		case bytes.Equal(flag, []byte("true")):
			params.Capabilities[name] = true
		case bytes.Equal(flag, []byte("false")):
			params.Capabilities[name] = false
		case len(flag) > 0 && flag[0] == '{':
			var opts map[string]interface{}
			if err := json.Unmarshal(flag, &opts); err != nil {
				return nil, invalidParams("capabilities."+name, fmt.Sprintf("capabilities.%s must be an object or boolean", name))
			}
			params.Capabilities[name] = opts
		default:
			return nil, invalidParams("capabilities."+name, fmt.Sprintf("capabilities.%s must be an object or boolean", name))
		}
	}

	rawInfo, ok := fields["clientInfo"]
	if !ok || bytes.Equal(bytes.TrimSpace(rawInfo), []byte("null")) {
		return nil, invalidParams("clientInfo", "clientInfo is required")
	}
	var info map[string]json.RawMessage
	if err := json.Unmarshal(rawInfo, &info); err != nil {
		return nil, invalidParams("clientInfo", "clientInfo must be an object")
	}
	if params.ClientInfo.Name, verr = requiredString(info, "name", "clientInfo.name"); verr != nil {
		return nil, verr
	}
	if params.ClientInfo.Version, verr = requiredString(info, "version", "clientInfo.version"); verr != nil {
		return nil, verr
	}

	return params, nil
}

func requiredString(fields map[string]json.RawMessage, key, path string) (string, *Error) {
	raw, ok := fields[key]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return "", invalidParams(path, path+" is required")
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", invalidParams(path, path+" must be a string")
	}
	if s == "" {
		return "", invalidParams(path, path+" is required")
	}
	return s, nil
}

// ListChangedCapability advertises list change notifications
type ListChangedCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

// ResourcesCapability advertises resource support
type ResourcesCapability struct {
	Subscribe   bool `json:"subscribe,omitempty"`
	ListChanged bool `json:"listChanged,omitempty"`
}

// LoggingCapability advertises notifications/message support
type LoggingCapability struct{}

// ServerCapabilities is the capability set the server negotiates
type ServerCapabilities struct {
	Tools     *ListChangedCapability `json:"tools,omitempty"`
	Resources *ResourcesCapability   `json:"resources,omitempty"`
	Prompts   *ListChangedCapability `json:"prompts,omitempty"`
	Logging   *LoggingCapability     `json:"logging,omitempty"`
}

// InitializeResult defines the response for the initialize request
type InitializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    ServerCapabilities `json:"capabilities"`
	ServerInfo      ServerInfo         `json:"serverInfo"`
	Instructions    string             `json:"instructions,omitempty"`
}

// CancelledParams defines parameters for the cancellation notification
type CancelledParams struct {
	RequestID ID     `json:"requestId"`
	Reason    string `json:"reason,omitempty"`
}

// SubscribeParams defines parameters for resources/subscribe and
// resources/unsubscribe
type SubscribeParams struct {
	URI string `json:"uri"`
}

// ResourceUpdatedParams is pushed to subscribers of a resource
type ResourceUpdatedParams struct {
	URI string `json:"uri"`
}

// ProgressParams defines parameters for the progress notification
type ProgressParams struct {
	ProgressToken interface{} `json:"progressToken"`
	Progress      float64     `json:"progress"`
	Total         float64     `json:"total,omitempty"`
	Message       string      `json:"message,omitempty"`
}

// LogLevel specifies the severity of log messages
type LogLevel string

const (
	LogLevelDebug     LogLevel = "debug"
	LogLevelInfo      LogLevel = "info"
	LogLevelNotice    LogLevel = "notice"
	LogLevelWarning   LogLevel = "warning"
	LogLevelError     LogLevel = "error"
	LogLevelCritical  LogLevel = "critical"
	LogLevelAlert     LogLevel = "alert"
	LogLevelEmergency LogLevel = "emergency"
)

var logLevelRank = map[LogLevel]int{
	LogLevelDebug:     0,
	LogLevelInfo:      1,
	LogLevelNotice:    2,
	LogLevelWarning:   3,
	LogLevelError:     4,
	LogLevelCritical:  5,
	LogLevelAlert:     6,
	LogLevelEmergency: 7,
}

// Valid reports whether l is a known level
func (l LogLevel) Valid() bool {
	_, ok := logLevelRank[l]
	return ok
}

// Enabled reports whether a message at level msg passes a threshold of l
func (l LogLevel) Enabled(msg LogLevel) bool {
	return logLevelRank[msg] >= logLevelRank[l]
}

// SetLogLevelParams defines parameters for the logging/setLevel request
type SetLogLevelParams struct {
	Level LogLevel `json:"level"`
}

// LogParams defines parameters for the log notification
type LogParams struct {
	Level  LogLevel    `json:"level"`
	Logger string      `json:"logger,omitempty"`
	Data   interface{} `json:"data"`
}

// MakeProgressNotification builds a notifications/progress envelope
func MakeProgressNotification(token interface{}, progress, total float64, message string) *Notification {
	return MakeNotification(MethodProgress, &ProgressParams{
		ProgressToken: token,
		Progress:      progress,
		Total:         total,
		Message:       message,
	})
}

// MakeLogNotification builds a notifications/message envelope
func MakeLogNotification(level LogLevel, logger string, data interface{}) *Notification {
	return MakeNotification(MethodLog, &LogParams{Level: level, Logger: logger, Data: data})
}

// MakeResourceUpdatedNotification builds the push sent to subscribers of uri
func MakeResourceUpdatedNotification(uri string) *Notification {
	return MakeNotification(MethodResourceUpdated, &ResourceUpdatedParams{URI: uri})
}

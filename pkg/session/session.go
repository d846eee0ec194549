package session

import (
	"time"

	"github.com/ajitpratap0/mcp-engine-go/pkg/protocol"
)

// Metrics are the per-session counters. All counters only grow.
type Metrics struct {
	RequestsReceived  int64         `json:"requestsReceived"`
	ResponsesSent     int64         `json:"responsesSent"`
	NotificationsSent int64         `json:"notificationsSent"`
	ErrorsCount       int64         `json:"errorsCount"`
	BytesReceived     int64         `json:"bytesReceived"`
	BytesSent         int64         `json:"bytesSent"`
	AvgResponseTime   time.Duration `json:"avgResponseTime"`
}

// Snapshot is a point-in-time copy of a session. Changing it has no effect
// on the store.
type Snapshot struct {
	ID              string
	ConnectionType  ConnectionType
	RemoteAddress   string
	Metadata        map[string]string
	State           State
	ProtocolVersion string
	ClientInfo      protocol.ClientInfo
	Capabilities    map[string]interface{}
	Context         map[string]interface{}
	CreatedAt       time.Time
	LastActivity    time.Time
	Metrics         Metrics
}

// Initialized reports whether the handshake has completed
func (s *Snapshot) Initialized() bool {
	return s.State.IsOperational()
}

// session is the mutable record owned by the store. Every field is guarded
// by Store.mu.
type session struct {
	id              string
	connType        ConnectionType
	remoteAddr      string
	metadata        map[string]string
	state           State
	protocolVersion string
	clientInfo      protocol.ClientInfo
	capabilities    map[string]interface{}
	context         map[string]interface{}
	createdAt       time.Time
	lastActivity    time.Time
	metrics         Metrics
}

func (s *session) snapshot() *Snapshot {
	return &Snapshot{
		ID:              s.id,
		ConnectionType:  s.connType,
		RemoteAddress:   s.remoteAddr,
		Metadata:        copyStrings(s.metadata),
		State:           s.state,
		ProtocolVersion: s.protocolVersion,
		ClientInfo:      s.clientInfo,
		Capabilities:    copyValues(s.capabilities),
		Context:         copyValues(s.context),
		CreatedAt:       s.createdAt,
		LastActivity:    s.lastActivity,
		Metrics:         s.metrics,
	}
}

// recordLatency folds one response time into the running average
func (m *Metrics) recordLatency(latency time.Duration) {
	if m.ResponsesSent <= 1 {
		m.AvgResponseTime = latency
		return
	}
	m.AvgResponseTime += (latency - m.AvgResponseTime) / time.Duration(m.ResponsesSent)
}

func copyStrings(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyValues(in map[string]interface{}) map[string]interface{} {
	if in == nil {
		return nil
	}
	out := make(map[string]interface{}, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

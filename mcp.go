// Package mcp exposes the engine's common entry points so a host can
// assemble a server without importing each sub-package.
package mcp

import (
	"github.com/ajitpratap0/mcp-engine-go/pkg/protocol"
	"github.com/ajitpratap0/mcp-engine-go/pkg/server"
	"github.com/ajitpratap0/mcp-engine-go/pkg/transport"
)

// Version is the engine release
const Version = "0.1.0"

// ProtocolRevision is the MCP revision the engine prefers
const ProtocolRevision = protocol.ProtocolRevision

var (
	// NewServer assembles an engine from a server.Config
	NewServer = server.New

	// DefaultConfig returns a stdio engine configuration
	DefaultConfig = server.DefaultConfig

	// NewBaseRegistry creates an empty in-memory capability registry
	NewBaseRegistry = server.NewBaseRegistry

	// DefaultTransportConfig returns the defaults for a transport type
	DefaultTransportConfig = transport.DefaultTransportConfig
)

// Server options
var (
	WithLogger          = server.WithLogger
	WithRegistry        = server.WithRegistry
	WithMetricsProvider = server.WithMetricsProvider
	WithTracer          = server.WithTracer
	WithRouterOptions   = server.WithRouterOptions
)

// Transport types accepted by DefaultTransportConfig
const (
	TransportStdio     = transport.TransportTypeStdio
	TransportWebSocket = transport.TransportTypeWebSocket
	TransportHTTP      = transport.TransportTypeHTTP
)

// Capability kinds
const (
	KindTool     = protocol.KindTool
	KindResource = protocol.KindResource
	KindPrompt   = protocol.KindPrompt
)

// Result helpers for tool handlers
var (
	TextResult  = server.TextResult
	ErrorResult = server.ErrorResult
)

// Package pkg groups the engine's sub-packages. Most hosts only need
// pkg/server and pkg/protocol; the rest are wired together by server.New.
//
//   - config: viper-backed loading and validation
//   - errors: MCPError, categories and the wire code registry
//   - logging: leveled structured logger
//   - observability: Prometheus metrics and OpenTelemetry tracing
//   - protocol: JSON-RPC envelopes and the codec
//   - router: dispatch table and call middleware
//   - server: composition root and BaseRegistry
//   - session: session store and lifecycle
//   - transport: stdio, WebSocket and HTTP
package pkg

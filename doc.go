// Package mcp is the root of a JSON-RPC 2.0 engine for the Model Context
// Protocol. The engine owns the protocol plumbing; a host supplies the
// tools, resources and prompts through a registry.
//
// # Packages
//
//   - pkg/protocol: envelopes, the codec and MCP method types
//   - pkg/errors: categorized errors and their wire codes
//   - pkg/session: the session store, lifecycle and subscriptions
//   - pkg/transport: stdio, WebSocket and HTTP transports
//   - pkg/router: method dispatch, the handshake gate and call middleware
//   - pkg/server: the composition root and the in-memory registry
//   - pkg/config: file and environment configuration
//   - pkg/logging, pkg/observability: structured logs, metrics and traces
//
// # Serving over stdio
//
//	registry := mcp.NewBaseRegistry()
//	_ = server.RegisterTypedTool(registry, "greet", "Say hello",
//	    func(ctx context.Context, args struct {
//	        Name string `json:"name"`
//	    }) (*protocol.CallResult, error) {
//	        return mcp.TextResult("Hello, " + args.Name), nil
//	    })
//
//	srv, err := mcp.NewServer(mcp.DefaultConfig(), mcp.WithRegistry(registry))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer srv.Stop(context.Background())
//	if err := srv.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Swap the transport by replacing Config.Transport, for example with
// mcp.DefaultTransportConfig(mcp.TransportHTTP). An unknown type fails in
// NewServer, before anything is started.
//
// The cmd/mcp-engine binary serves a small demo registry and reads its
// settings from mcp-engine.yaml and MCP_ENGINE_* variables.
package mcp

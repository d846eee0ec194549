// Package server assembles a complete engine from the session store, the
// router and one transport.
//
// # Creating a Server
//
//	registry := server.NewBaseRegistry()
//	_ = server.RegisterTypedTool(registry, "add", "Add two numbers",
//	    func(ctx context.Context, in struct {
//	        A int `json:"a"`
//	        B int `json:"b"`
//	    }) (*protocol.CallResult, error) {
//	        return server.TextResult(strconv.Itoa(in.A + in.B)), nil
//	    })
//
//	cfg := server.DefaultConfig()
//	cfg.Transport = transport.DefaultTransportConfig(transport.TransportTypeWebSocket)
//
//	srv, err := server.New(cfg, server.WithRegistry(registry))
//	if err != nil {
//	    return err
//	}
//	go func() { _ = srv.Start(ctx) }()
//	defer srv.Stop(context.Background())
//
// New rejects an unknown transport type immediately. Start blocks while the
// transport serves; Stop closes the transport, every live session, the
// sweep and the observability providers, in that order.
//
// # Registries
//
// BaseRegistry keeps tools, resources and prompts in memory and may be
// changed while the server runs. RegisterTypedTool derives a tool's input
// schema from a Go struct so required arguments are checked by the router
// before the handler is called.
package server

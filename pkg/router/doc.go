// Package router dispatches decoded envelopes to the engine's method
// handlers.
//
// A Router owns a dispatch table built once in New. Before a session has
// completed the handshake only initialize and ping are served; every other
// known method is rejected with InvalidRequest. Unknown methods yield
// MethodNotFound and a panic in any handler becomes InternalError, so no
// failure ever reaches the transport.
//
// # Capabilities
//
// The capability methods (tools/*, resources/list, resources/read,
// prompts/*) are delegated to a Registry through an ordered CallMiddleware
// chain. DefaultMiddleware builds the standard chain:
//
//	Recovery -> Logging -> Timing -> ErrorNormalization -> ArgumentValidation -> Timeout -> Registry
//
// # Cancellation
//
// A notifications/cancelled for a request still being handled cancels the
// request context and suppresses its response. Handlers that ignore their
// context run to completion; only the reply is dropped.
//
// # Server push
//
// NotifyResourceUpdated, SendLog and SendProgress deliver notifications
// through the Sender attached with SetSender, normally the transport the
// router is serving.
package router

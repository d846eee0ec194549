// Package protocol defines the wire types of the engine and the codec that
// moves them between bytes and typed envelopes.
//
// # Envelopes
//
// Every wire message is an Envelope: a *Request, a *Response or a
// *Notification. Parse classifies raw payloads and Serialize encodes them
// back:
//
//	env, err := protocol.Parse(line)
//	if err != nil {
//		resp := protocol.FailureResponse(err) // ParseError or InvalidRequest
//		...
//	}
//
// Request ids are either strings or integers and keep their JSON kind
// through a round trip.
//
// # Error Codes
//
// The wire taxonomy is closed:
//
//   - ParseError (-32700): invalid JSON was received
//   - InvalidRequest (-32600): the payload is not a valid envelope
//   - MethodNotFound (-32601): the method does not exist
//   - InvalidParams (-32602): invalid method parameters
//   - InternalError (-32603): the server failed while handling the request
//   - RequestCancelled (-32800): the client withdrew the request
//
// # Handshake
//
// A client opens a session with an initialize request. Its params are
// checked by ValidateHandshakeParams, which reports the first offending
// field by its wire name:
//
//	params, rpcErr := protocol.ValidateHandshakeParams(req.Params)
//	if rpcErr != nil {
//		return protocol.ErrorResponse(req.ID, rpcErr)
//	}
//
// # Builders
//
// MakeRequest, MakeResponse, MakeErrorResponse and MakeNotification, plus
// the typed builders for capability lists, progress, log and
// resource-updated notifications, never fail.
package protocol

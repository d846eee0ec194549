// Package session tracks every client connection as a session with a
// forward-only lifecycle, per-session metrics and key/value context, and
// the index of which sessions are subscribed to which resource URIs.
//
// A single Store instance is shared by the transports and the router. It
// enforces the session limit atomically at creation and runs a background
// sweep that closes sessions left inactive past the configured timeout.
package session

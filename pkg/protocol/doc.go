// Package protocol defines the wire messages exchanged between the thin
// client and the Ripple server.
//
// Every WebSocket text frame carries exactly one JSON envelope:
//
//	{"t": "<type>", "p": {...}}
//
// Client to server: hello (handshake, optionally resuming a session) and
// event (a named trigger with JSON arguments). Server to client: welcome
// (session token plus full var snapshot), delta (changed vars of one
// commit), and error. Control messages (ping, pong, close) flow both ways.
//
// The codec is transport-agnostic; connection-level concerns such as frame
// size limits and deadlines belong to the server package.
package protocol

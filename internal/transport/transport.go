// Package transport defines the framed-transport abstraction consumed
// by the connection state machine (spec §1: "The framed transport
// itself ... consumed as a callback-driven transport abstraction").
//
// Grounded on the teacher's direct *websocket.Conn usage in
// obsidian.SyncClient; lifted behind an interface here so the
// connection state machine can be driven by a fake in tests, with
// WebSocketTransport (websocket.go) as the concrete default backed by
// github.com/coder/websocket, matching the teacher's dependency.
package transport

//go:generate go run go.uber.org/mock/mockgen -destination=mock_transport.go -package=transport . Transport

import "context"

// FrameType distinguishes text (JSON protocol messages) from binary
// (raw changeset bytes) frames.
type FrameType int

const (
	FrameText FrameType = iota
	FrameBinary
)

// Transport is a persistent framed connection to one server endpoint.
// Implementations must allow one Read to run concurrently with Write
// calls, since the connection's read loop and its send and keepalive
// pumps run in separate goroutines. Writes are never concurrent with
// each other: the connection serializes them with a mutex, matching
// spec §3's invariant that at most one outbound write is in flight per
// connection.
type Transport interface {
	// Dial establishes the connection and returns the server's chosen
	// sub-protocol string (spec §6 "Sub-protocol negotiation").
	Dial(ctx context.Context, url string, offeredProtocols []string) (acceptedProtocol string, err error)

	// Read blocks for the next frame or returns an error (including
	// ctx cancellation).
	Read(ctx context.Context) (FrameType, []byte, error)

	// Write sends one frame.
	Write(ctx context.Context, typ FrameType, data []byte) error

	// Close tears down the connection with a status code and reason,
	// matching the websocket close-frame contract.
	Close(code int, reason string) error
}

// CloseReason mirrors the subset of standard WebSocket close codes this
// core cares about, used when the connection state machine initiates a
// close itself (as opposed to classifying one the server sent).
const (
	CloseNormal        = 1000
	CloseGoingAway     = 1001
	CloseProtocolError = 1002
	CloseInternalError = 1011
)

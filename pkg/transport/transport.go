// Package transport defines the contract the sync core requires from an
// injected transport (a room-scoped broadcast channel) and provides one
// concrete in-process implementation, loopback, for tests and the CLI demo.
package transport

import "context"

// Envelope is the wire wrapper around an outbound operation. Envelopes
// with an unrecognized Type are ignored by receivers, for
// forward-compatibility.
type Envelope struct {
	Type      string `json:"type"`
	Operation any    `json:"operation,omitempty"`
}

// OpEnvelopeType is the only envelope type this version of the sync core
// emits or understands.
const OpEnvelopeType = "op"

// Input is a single authority-ordered delivery: an envelope plus the seq
// the authority assigned it.
type Input struct {
	Seq      int64
	Envelope Envelope
}

// ConnectParams configures a Connect call. Callbacks fire on the
// transport's own goroutine; the caller (the Transport Adapter) is
// responsible for funneling them back onto the single logical executor.
type ConnectParams struct {
	URL    string
	RoomID string

	OnCreate     func()
	OnJoin       func(snapshot []byte, inputs []Input)
	OnInput      func(input Input)
	OnDisconnect func()
	OnReconnect  func()
}

// Connection is a live handle to a joined room.
type Connection interface {
	// Send transmits an envelope; the transport assigns it a seq and
	// rebroadcasts it as an Input to all clients, including the sender.
	Send(ctx context.Context, env Envelope) error
	Close() error
}

// Transport is the room-scoped broadcast transport the sync core depends
// on.
type Transport interface {
	Connect(ctx context.Context, params ConnectParams) (Connection, error)
}

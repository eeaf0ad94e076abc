/*
Package transport defines the common abstraction over physical links
(reliable-UDP and length-prefixed TCP) that the peer manager drives:
start/stop, connect, and per-connection send with lifecycle events.
*/
package transport

import (
	"context"
	"net"
)

// DeliveryMode selects how Connection.Send treats a payload.
type DeliveryMode int

const (
	// Reliable guarantees retry-until-ack delivery or connection
	// closure; used for all message types except voice by default.
	Reliable DeliveryMode = iota
	// Unreliable is fire-and-forget, used for latency-sensitive voice
	// frames where a stale retransmit is worse than a drop.
	Unreliable
	// Sequenced is fire-and-forget but receivers may use the carried
	// sequence number to discard stale out-of-order frames.
	Sequenced
)

// Kind identifies which concrete transport a Connection runs over.
type Kind string

const (
	KindReliableUDP Kind = "reliable-udp"
	KindTCP         Kind = "tcp"
)

// Connection is one physical link to one peer on one transport.
type Connection interface {
	// ID is a transport-unique connection identifier.
	ID() string
	// RemoteEndpoint is the address of the other side.
	RemoteEndpoint() net.Addr
	// Kind identifies the transport this connection runs over.
	Kind() Kind
	// IsConnected reports whether the connection is currently usable.
	IsConnected() bool
	// LatencyMs returns the last measured round-trip latency, or -1
	// if unknown.
	LatencyMs() int64
	// Send transmits bytes with the requested delivery semantics.
	Send(payload []byte, mode DeliveryMode) error
	// Close tears down the connection, emitting Disconnected if it was
	// still considered connected.
	Close() error

	// Events channel: DataReceived and Disconnected events for this
	// connection. The channel is closed when the connection is
	// permanently closed.
	Events() <-chan Event
}

// EventKind identifies the category of a transport-level Event.
type EventKind int

const (
	EventConnectionReceived EventKind = iota
	EventConnectionLost
	EventDataReceived
	EventDisconnected
)

// Event is emitted on a Connection's or Transport's event channel.
type Event struct {
	Kind       EventKind
	Connection Connection
	Data       []byte
}

// Transport is the common interface implemented by reliableudp.Transport
// and tcpframed.Transport.
type Transport interface {
	// Start begins listening on the given UDP/TCP port.
	Start(ctx context.Context, port int) error
	// Stop shuts down the listener and all its connections.
	Stop() error
	// Connect dials a remote endpoint, returning once the handshake
	// completes or fails.
	Connect(ctx context.Context, endpoint *net.UDPAddr) (Connection, error)
	// Events surfaces ConnectionReceived/ConnectionLost for all
	// connections owned by this transport.
	Events() <-chan Event
	// Kind identifies the transport.
	Kind() Kind
}

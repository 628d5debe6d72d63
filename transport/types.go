package transport

import (
	"net"
)

// Handler is a function that processes an incoming envelope.
type Handler func(msg *Message, addr net.Addr) error

// Direction tells an Observer whether an envelope was received or sent.
type Direction uint8

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "IN"
	}
	return "OUT"
}

// Observer is notified of every envelope that is dispatched or sent.
// It runs on the handling goroutine and must not block.
type Observer func(dir Direction, msg *Message, addr net.Addr)

// Transport defines the datagram capability the DHT runs on.
// This abstraction allows the UDP implementation to be replaced by an
// in-memory one in tests.
type Transport interface {
	// Send encodes msg and sends it to the specified address.
	Send(msg *Message, addr net.Addr) error

	// Close shuts down the transport.
	Close() error

	// LocalAddr returns the local address the transport is listening on.
	LocalAddr() net.Addr

	// RegisterHandler registers a handler for a specific message type.
	RegisterHandler(msgType MessageType, handler Handler)
}

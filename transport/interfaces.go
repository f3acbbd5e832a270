// Package transport provides the datagram transports a bootloader listens on.
//
// A datagram is one versioned envelope (see codec.EncodeDatagram). Transports
// deliver each received envelope whole and send replies back the same way;
// they never look inside the MessagePack payload.
package transport

import (
	"context"
)

// Transport is the base interface for all transport implementations.
type Transport interface {
	// Start begins the transport's connection and message handling.
	// The provided context controls the transport's lifetime.
	Start(ctx context.Context) error
	// Stop gracefully shuts down the transport.
	Stop() error
	// IsConnected returns true if the transport is currently connected.
	IsConnected() bool
	// SetDatagramHandler sets the callback for incoming datagrams.
	SetDatagramHandler(fn DatagramHandler)
	// SetStateHandler sets the callback for transport state changes.
	SetStateHandler(fn StateHandler)
	// SendDatagram transmits one datagram over the transport.
	SendDatagram(data []byte) error
}

// DatagramHandler is called when a datagram is received. The slice is only
// valid for the duration of the call.
type DatagramHandler func(data []byte, source DatagramSource)

// StateHandler is called when the transport state changes.
type StateHandler func(transport Transport, event Event)

// Event represents transport state change events.
type Event int

const (
	// EventConnected is fired when the transport connects.
	EventConnected Event = iota
	// EventDisconnected is fired when the transport disconnects.
	EventDisconnected
	// EventReconnecting is fired when the transport is attempting to reconnect.
	EventReconnecting
	// EventError is fired when an error occurs.
	EventError
)

func (e Event) String() string {
	switch e {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventReconnecting:
		return "reconnecting"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// DatagramSource indicates where a datagram came from.
type DatagramSource int

const (
	// SourceMQTT indicates the datagram came from MQTT.
	SourceMQTT DatagramSource = iota
	// SourceSerial indicates the datagram came from a serial connection.
	SourceSerial
	// SourceLocal indicates the datagram was injected in-process.
	SourceLocal
)

func (s DatagramSource) String() string {
	switch s {
	case SourceMQTT:
		return "mqtt"
	case SourceSerial:
		return "serial"
	case SourceLocal:
		return "local"
	default:
		return "unknown"
	}
}

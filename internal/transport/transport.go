// Package transport provides the device transports (serial, BLE, TCP) and
// candidate discovery for mesh nodes.
//
// All three transports deliver the same thing: framed packet payloads, one
// JSON document per received mesh packet. Serial and TCP carry the device's
// framed byte stream; BLE is characteristic-based and already
// packet-oriented.
package transport

import (
	"context"
	"errors"
)

// Transport kinds, in auto-connect preference order.
const (
	KindSerial = "serial"
	KindBLE    = "ble"
	KindTCP    = "tcp"
)

// ErrClosed is returned by ReadPacket after Close.
var ErrClosed = errors.New("transport: closed")

// Transport is one open connection to a mesh device.
type Transport interface {
	// Kind returns serial, ble or tcp.
	Kind() string
	// Identity returns the transport-specific identifier (device path, BLE
	// address, host:port).
	Identity() string
	// Open establishes the connection. The context bounds the handshake.
	Open(ctx context.Context) error
	// ReadPacket blocks until one framed packet payload is available. It
	// honors context cancellation and never returns a partial frame.
	ReadPacket(ctx context.Context) ([]byte, error)
	// Close releases the connection. Idempotent.
	Close() error
}

// Candidate is a discovered device that a transport can be opened against.
type Candidate struct {
	Kind     string
	Identity string
	Name     string
	Detail   string
}

// New constructs an unopened transport for a candidate.
func New(c Candidate) Transport {
	switch c.Kind {
	case KindSerial:
		return NewSerial(c.Identity)
	case KindBLE:
		return NewBLE(c.Identity)
	default:
		return NewTCP(c.Identity)
	}
}

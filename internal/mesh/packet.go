// Package mesh defines the mesh packet model and the decoder that turns raw
// device packets into normalized rows for delivery to the store.
package mesh

import (
	"strings"
	"time"
)

// PacketType classifies a decoded packet.
type PacketType string

const (
	TypePosition  PacketType = "position"
	TypeTelemetry PacketType = "telemetry"
	TypeText      PacketType = "text"
	TypeNodeInfo  PacketType = "nodeinfo"
	TypeRaw       PacketType = "raw"
)

// Broadcast is the to_id sentinel meaning "all nodes".
const Broadcast = "^all"

// Port numbers used by the mesh firmware's application layer.
const (
	portText      = 1
	portPosition  = 3
	portNodeInfo  = 4
	portTelemetry = 67
)

// RawPacket is one framed packet as handed over by a transport, before
// decoding. The payload is the JSON document the device emits for a received
// mesh packet. Kind is the transport layer's provisional guess; the decoder
// makes the final call.
type RawPacket struct {
	Kind      PacketType
	Payload   []byte
	Received  time.Time
	Transport string
}

// GuessKind makes a cheap classification of a packet payload without a full
// decode. Used by the transport layer to tag packets as they arrive.
func GuessKind(payload []byte) PacketType {
	s := string(payload)
	switch {
	case strings.Contains(s, `"position"`) || strings.Contains(s, "POSITION_APP"):
		return TypePosition
	case strings.Contains(s, `"telemetry"`) || strings.Contains(s, "TELEMETRY_APP"):
		return TypeTelemetry
	case strings.Contains(s, `"text"`) || strings.Contains(s, "TEXT_MESSAGE_APP"):
		return TypeText
	case strings.Contains(s, `"user"`) || strings.Contains(s, "NODEINFO_APP"):
		return TypeNodeInfo
	}
	return TypeRaw
}

package log

import (
	"fmt"
	"time"

	"github.com/seamnet/seam/pkg/server"
)

// Event is one trace record. CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID is the connection UUID, empty for server-scoped events.
	ConnectionID string `cbor:"2,keyasint,omitempty"`

	// Direction indicates whether the seam emitted the event (IN, toward the
	// consumer) or wrote to the wire (OUT).
	Direction Direction `cbor:"3,keyasint"`

	// Transport names the transport instance that produced the record.
	Transport string `cbor:"4,keyasint"`

	// Category classifies the event.
	Category Category `cbor:"5,keyasint"`

	// Kind is the event variant name (e.g. "Connected") or "Write".
	Kind string `cbor:"6,keyasint"`

	// RemoteAddr is the peer address, when known.
	RemoteAddr string `cbor:"7,keyasint,omitempty"`

	// Size is the payload size in bytes for data records.
	Size int `cbor:"8,keyasint,omitempty"`

	// Message holds the rendered error for error records.
	Message string `cbor:"9,keyasint,omitempty"`
}

// KindWrite is the Kind of outbound write records.
const KindWrite = "Write"

// Direction indicates the direction of flow relative to the transport.
type Direction uint8

const (
	// DirectionIn marks events delivered toward the consumer.
	DirectionIn Direction = 0
	// DirectionOut marks bytes written toward a peer.
	DirectionOut Direction = 1
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryState is a lifecycle change (Ready, Shutdown, Connected, Disconnected).
	CategoryState Category = 0
	// CategoryData is payload movement (Received, Write).
	CategoryData Category = 1
	// CategoryError is any of the error variants.
	CategoryError Category = 2
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryState:
		return "STATE"
	case CategoryData:
		return "DATA"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// FromServerEvent builds the trace record for an emitted event. Payload bytes
// are reduced to their length.
func FromServerEvent[E server.Error](transport string, ev server.Event[E]) Event {
	out := Event{
		Timestamp: time.Now(),
		Direction: DirectionIn,
		Transport: transport,
		Kind:      ev.Kind.String(),
	}
	if ev.HasConn() {
		out.ConnectionID = ev.Conn.String()
	}

	switch ev.Kind {
	case server.KindReceived:
		out.Category = CategoryData
		out.Size = len(ev.Data)
	case server.KindError:
		out.Category = CategoryError
		out.Message = ev.Message
	case server.KindConnectionError, server.KindServerError:
		out.Category = CategoryError
		out.Message = fmt.Sprint(ev.Err)
	default:
		out.Category = CategoryState
	}
	return out
}

// WriteEvent builds the trace record for an outbound write.
func WriteEvent(transport string, id server.ConnID, remoteAddr string, size int) Event {
	return Event{
		Timestamp:    time.Now(),
		ConnectionID: id.String(),
		Direction:    DirectionOut,
		Transport:    transport,
		Category:     CategoryData,
		Kind:         KindWrite,
		RemoteAddr:   remoteAddr,
		Size:         size,
	}
}

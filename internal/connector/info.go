// Package connector implements ConnectorInfo and the event listener
// chains that every Port attaches to a connection: the typed (payload
// carrying) and untyped event vocabularies fired around buffer writes,
// transport sends, and connect/disconnect.
package connector

import (
	"github.com/google/uuid"

	"rtcd/internal/props"
)

// Info is the immutable, shared description of one connection between
// an OutPort and one or more InPorts. It is built once during
// negotiation and handed to every listener by pointer; listeners
// must not retain it past the call that delivered it.
type Info struct {
	ID         uuid.UUID
	Name       string
	Properties *props.Node
}

// NewInfo builds an Info with a freshly minted connector ID.
func NewInfo(name string, properties *props.Node) *Info {
	return &Info{ID: uuid.New(), Name: name, Properties: properties}
}

// Event identifies one point in the listener vocabulary. Typed events
// carry a payload; untyped events carry only the Info.
type Event int

const (
	// Typed (data) events.
	OnBufferWrite Event = iota
	OnBufferFull
	OnBufferWriteTimeout
	OnBufferOverwrite
	OnBufferRead
	OnSend
	OnReceived
	OnReceiverFull
	OnReceiverTimeout
	OnReceiverError

	// Untyped events.
	OnBufferEmpty
	OnBufferReadTimeout
	OnSenderEmpty
	OnSenderTimeout
	OnSenderError
	OnConnect
	OnDisconnect
)

func (e Event) String() string {
	switch e {
	case OnBufferWrite:
		return "ON_BUFFER_WRITE"
	case OnBufferFull:
		return "ON_BUFFER_FULL"
	case OnBufferWriteTimeout:
		return "ON_BUFFER_WRITE_TIMEOUT"
	case OnBufferOverwrite:
		return "ON_BUFFER_OVERWRITE"
	case OnBufferRead:
		return "ON_BUFFER_READ"
	case OnSend:
		return "ON_SEND"
	case OnReceived:
		return "ON_RECEIVED"
	case OnReceiverFull:
		return "ON_RECEIVER_FULL"
	case OnReceiverTimeout:
		return "ON_RECEIVER_TIMEOUT"
	case OnReceiverError:
		return "ON_RECEIVER_ERROR"
	case OnBufferEmpty:
		return "ON_BUFFER_EMPTY"
	case OnBufferReadTimeout:
		return "ON_BUFFER_READ_TIMEOUT"
	case OnSenderEmpty:
		return "ON_SENDER_EMPTY"
	case OnSenderTimeout:
		return "ON_SENDER_TIMEOUT"
	case OnSenderError:
		return "ON_SENDER_ERROR"
	case OnConnect:
		return "ON_CONNECT"
	case OnDisconnect:
		return "ON_DISCONNECT"
	default:
		return "UNKNOWN_EVENT"
	}
}

// IsTyped reports whether e carries a payload.
func (e Event) IsTyped() bool { return e <= OnReceiverError }

// Result is the bitset a listener may return to influence how later
// listeners in the same chain see the event.
type Result int

const (
	// InfoChanged signals that the listener mutated shared connector
	// state (rare; mostly informational for callers that log deltas).
	InfoChanged Result = 1 << iota
	// DataChanged signals that the listener's returned payload should
	// replace the one seen by later listeners in this Notify call.
	DataChanged
)

// Package port implements OutPort/InPort, their Provider/Consumer
// transport abstraction, and the connect/disconnect negotiation that
// ties a connector.Chain and a ringbuffer.RingBuffer to each
// connection.
package port

// DataflowType selects who drives data movement on a connection.
type DataflowType int

const (
	DataflowPush DataflowType = iota
	DataflowPull
)

func (d DataflowType) String() string {
	if d == DataflowPull {
		return "pull"
	}
	return "push"
}

// SubscriptionType selects the buffering discipline for a push
// connection.
type SubscriptionType int

const (
	SubscriptionFlush SubscriptionType = iota
	SubscriptionNew
	SubscriptionPeriodic
)

func (s SubscriptionType) String() string {
	switch s {
	case SubscriptionNew:
		return "new"
	case SubscriptionPeriodic:
		return "periodic"
	default:
		return "flush"
	}
}

// BufferFullPolicy selects what an OutPort write does when its send
// buffer is full (the next write slot still holds an unread value).
type BufferFullPolicy int

const (
	// PolicyOverwrite replaces the oldest unread value and fires ON_BUFFER_OVERWRITE.
	PolicyOverwrite BufferFullPolicy = iota
	// PolicyTimeout fires ON_BUFFER_WRITE_TIMEOUT and drops the write.
	// RingBuffer never blocks, so "block to timeout" degrades to an
	// immediate timeout rather than an actual wait.
	PolicyTimeout
	// PolicyDrop silently drops the write with no additional event.
	PolicyDrop
)

// NegotiationRequest is the initiator's preference list for one
// connect call.
type NegotiationRequest struct {
	InterfaceTypes []string
	Dataflow       []DataflowType
	Subscription   []SubscriptionType
	Endian         string  // "little" or "big"; "" defaults to little
	PushRate       float64 // Hz; only meaningful for periodic subscriptions
	FullPolicy     BufferFullPolicy
	BufferCapacity int
}

// Negotiated is the outcome of negotiation: the first
// mutually supported combination, copied back into ConnectorInfo.properties
// by the caller.
type Negotiated struct {
	InterfaceType string
	Dataflow      DataflowType
	Subscription  SubscriptionType
	Endian        string
	PushRate      float64
}

func negotiate(req NegotiationRequest, transports *Transports) (Negotiated, error) {
	var chosenInterface string
	for _, it := range req.InterfaceTypes {
		if transports.Supported(it) {
			chosenInterface = it
			break
		}
	}
	if chosenInterface == "" {
		return Negotiated{}, errNoMutualInterfaceType
	}

	dataflow := DataflowPush
	if len(req.Dataflow) > 0 {
		dataflow = req.Dataflow[0]
	}
	subscription := SubscriptionFlush
	if len(req.Subscription) > 0 {
		subscription = req.Subscription[0]
	}
	endian := req.Endian
	if endian == "" {
		endian = "little"
	}

	return Negotiated{
		InterfaceType: chosenInterface,
		Dataflow:      dataflow,
		Subscription:  subscription,
		Endian:        endian,
		PushRate:      req.PushRate,
	}, nil
}

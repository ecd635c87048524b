package port

import (
	"log/slog"
	"sync"

	"rtcd/internal/connector"
	"rtcd/internal/logging"
	"rtcd/internal/ringbuffer"
	"rtcd/internal/rtcerr"
)

// OutPort pushes values of type T to every connected InPort.
type OutPort[T any] struct {
	name string
	log  *slog.Logger

	mu    sync.Mutex
	conns map[string]*Connection[T] // keyed by connector.Info.ID.String()
}

// NewOutPort returns an empty OutPort named name.
func NewOutPort[T any](name string, logger *slog.Logger) *OutPort[T] {
	return &OutPort[T]{
		name:  name,
		log:   logging.Default(logger),
		conns: make(map[string]*Connection[T]),
	}
}

// ConnectLocal wires this OutPort directly to an in-process InPort,
// skipping the transport layer entirely. Negotiation still resolves
// dataflow/subscription/endian; interface_type is recorded as
// "local" since no Provider/Consumer pair is needed.
func (p *OutPort[T]) ConnectLocal(name string, req NegotiationRequest, peer *InPort[T]) *Connection[T] {
	n := Negotiated{
		InterfaceType: "local",
		Dataflow:      firstOr(req.Dataflow, DataflowPush),
		Subscription:  firstOr(req.Subscription, SubscriptionFlush),
		Endian:        orDefault(req.Endian, "little"),
		PushRate:      req.PushRate,
	}
	info := newConnectionInfo(name, n)
	conn := &Connection[T]{
		Info:       info,
		Chain:      connector.NewChain(p.log),
		Negotiated: n,
		FullPolicy: req.FullPolicy,
		buffer:     ringbuffer.New[T](req.BufferCapacity, ringbuffer.ModeFIFO),
		peer:       peer,
		log:        p.log,
	}
	conn.startSender()

	p.mu.Lock()
	p.conns[info.ID.String()] = conn
	p.mu.Unlock()

	conn.Chain.NotifyUntyped(connector.OnConnect, info)
	return conn
}

// ConnectRemote wires this OutPort to a remote Provider reached
// through transports, negotiating interface_type against req's
// preference list.
func (p *OutPort[T]) ConnectRemote(name string, req NegotiationRequest, transports *Transports, encode EncodeFunc[T], decode DecodeFunc[T]) (*Connection[T], error) {
	n, err := negotiate(req, transports)
	if err != nil {
		return nil, err
	}
	info := newConnectionInfo(name, n)

	consumer, err := transports.NewConsumer(n.InterfaceType, info)
	if err != nil {
		return nil, err
	}

	conn := &Connection[T]{
		Info:       info,
		Chain:      connector.NewChain(p.log),
		Negotiated: n,
		FullPolicy: req.FullPolicy,
		buffer:     ringbuffer.New[T](req.BufferCapacity, ringbuffer.ModeFIFO),
		consumer:   consumer,
		encode:     encode,
		decode:     decode,
		log:        p.log,
	}
	conn.startSender()

	p.mu.Lock()
	p.conns[info.ID.String()] = conn
	p.mu.Unlock()

	conn.Chain.NotifyUntyped(connector.OnConnect, info)
	return conn, nil
}

// Disconnect closes and removes the connection identified by id.
func (p *OutPort[T]) Disconnect(id string) error {
	p.mu.Lock()
	conn, ok := p.conns[id]
	if ok {
		delete(p.conns, id)
	}
	p.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.Close()
}

// Write delivers v to every live connection. Writes on one connection
// are observed in call order by its InPort; no ordering holds across
// connections. The first transport error encountered is returned after
// every connection has been attempted.
func (p *OutPort[T]) Write(v T) error {
	p.mu.Lock()
	conns := make([]*Connection[T], 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.Unlock()

	var first error
	for _, c := range conns {
		if err := c.write(v); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// ConnectionCount returns the number of live connections.
func (p *OutPort[T]) ConnectionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Name returns the port's name.
func (p *OutPort[T]) Name() string { return p.name }

// Close disconnects every live connection; it is what a component's
// finalize path calls through the payload-type-erased port interface.
func (p *OutPort[T]) Close() error { return p.CloseAll() }

// CloseAll disconnects every live connection, firing ON_DISCONNECT on
// each. Used when a component finalizes ("Alive -> Exit: finalize
// ports").
func (p *OutPort[T]) CloseAll() error {
	p.mu.Lock()
	conns := make([]*Connection[T], 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.conns = make(map[string]*Connection[T])
	p.mu.Unlock()

	var first error
	for _, c := range conns {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// PeerConnector is the type-erased connect surface the Manager uses
// for manager.components.preconnect wiring, where the payload type is
// not known statically. OutPort[T] implements it; peer must be the
// *InPort[T] of the same payload type.
type PeerConnector interface {
	ConnectPeer(name string, req NegotiationRequest, peer any) error
}

// ConnectPeer implements PeerConnector: it wires this OutPort to peer,
// which must be an *InPort[T] of the same payload type, rejected with
// BadParameter otherwise.
func (p *OutPort[T]) ConnectPeer(name string, req NegotiationRequest, peer any) error {
	in, ok := peer.(*InPort[T])
	if !ok {
		return rtcerr.New(rtcerr.BadParameter, "port.ConnectPeer: payload types do not match")
	}
	p.ConnectLocal(name, req, in)
	return nil
}

func firstOr[E any](list []E, fallback E) E {
	if len(list) > 0 {
		return list[0]
	}
	return fallback
}

func orDefault(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

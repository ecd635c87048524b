package port

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"

	"rtcd/internal/connector"
	"rtcd/internal/logging"
	"rtcd/internal/props"
	"rtcd/internal/ringbuffer"
	"rtcd/internal/rtcerr"
)

// PullFunc fetches one value from a pull-dataflow upstream peer.
type PullFunc[T any] func() (T, error)

type pullSource[T any] struct {
	info  *connector.Info
	fetch PullFunc[T]
}

// InPort receives values of type T pushed by a connected OutPort, or
// actively fetches them from a pull-dataflow upstream.
type InPort[T any] struct {
	name  string
	log   *slog.Logger
	info  *connector.Info // synthetic Info used to fire this port's own untyped events
	chain *connector.Chain

	mu       sync.Mutex
	buffer   *ringbuffer.RingBuffer[T]
	sources  []pullSource[T]
	provider Provider // non-nil once ConnectProvider has backed this port with a transport
}

// NewInPort returns an empty InPort named name with buffer capacity
// bufferCapacity (coerced to at least 2 by ringbuffer.New). The buffer
// queues in write order, dropping the oldest unread value when a
// writer laps the reader, so a burst of deliveries reads back in
// order and a lapped reader sees the newest capacity-many values.
func NewInPort[T any](name string, bufferCapacity int, logger *slog.Logger) *InPort[T] {
	log := logging.Default(logger)
	return &InPort[T]{
		name:   name,
		log:    log,
		info:   connector.NewInfo(name, props.New()),
		chain:  connector.NewChain(log),
		buffer: ringbuffer.New[T](bufferCapacity, ringbuffer.ModeFIFO),
	}
}

// RegisterPullSource adds an upstream to consult when Read finds the
// local buffer empty and the connection's dataflow is pull.
func (p *InPort[T]) RegisterPullSource(info *connector.Info, fetch PullFunc[T]) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sources = append(p.sources, pullSource[T]{info: info, fetch: fetch})
}

// deliver stores v for a subsequent Read, called by a connected
// OutPort's push path or by a transport Provider.
func (p *InPort[T]) deliver(v T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.buffer.Put(v)
}

// Read returns the oldest unread value. If the local buffer is empty
// and a pull source is registered, Read pulls once from the first
// registered source before giving up.
func (p *InPort[T]) Read() (T, error) {
	p.mu.Lock()
	empty := p.buffer.IsEmpty()
	var src *pullSource[T]
	if empty && len(p.sources) > 0 {
		src = &p.sources[0]
	}
	p.mu.Unlock()

	if empty {
		if src == nil {
			p.chain.NotifyUntyped(connector.OnBufferEmpty, p.info)
			var zero T
			return zero, rtcerr.New(rtcerr.NotAvailable, "port.Read: buffer empty")
		}
		v, err := src.fetch()
		if err != nil {
			p.chain.NotifyUntyped(senderEvent(err), src.info)
			var zero T
			return zero, rtcerr.Wrap(rtcerr.InternalError, "port.Read", err)
		}
		p.mu.Lock()
		p.buffer.Put(v)
		p.mu.Unlock()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffer.Get(), nil
}

// senderEvent classifies a pull-source failure into the matching
// ON_SENDER_* event: a NotAvailable code means the remote had nothing
// to give (ON_SENDER_EMPTY), a deadline error means it timed out
// (ON_SENDER_TIMEOUT), anything else is ON_SENDER_ERROR.
func senderEvent(err error) connector.Event {
	switch {
	case errors.Is(err, rtcerr.ErrNotAvailable):
		return connector.OnSenderEmpty
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded):
		return connector.OnSenderTimeout
	default:
		return connector.OnSenderError
	}
}

// IsEmpty reports whether the local buffer currently holds no unread
// value.
func (p *InPort[T]) IsEmpty() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.buffer.IsEmpty()
}

// AsProvider returns a deliver callback suitable for
// Transports.NewProvider, decoding raw bytes with decode before
// storing them.
func (p *InPort[T]) AsProvider(decode DecodeFunc[T]) func([]byte) error {
	return func(raw []byte) error {
		v, err := decode(raw)
		if err != nil {
			return err
		}
		p.deliver(v)
		return nil
	}
}

// Name returns the port's name.
func (p *InPort[T]) Name() string { return p.name }

// ConnectProvider instantiates a Provider for interfaceType against
// transports and retains it so a later Close releases it. Only one
// Provider may back a given InPort at a time; connecting a second one
// closes the first.
func (p *InPort[T]) ConnectProvider(transports *Transports, interfaceType string, info *connector.Info, decode DecodeFunc[T]) error {
	prov, err := transports.NewProvider(interfaceType, info, p.AsProvider(decode))
	if err != nil {
		return err
	}

	p.mu.Lock()
	old := p.provider
	p.provider = prov
	p.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	return nil
}

// Close releases any transport Provider backing this port, the
// finalize-ports half of a component's exit. It is a no-op if the port
// was never connected to a transport.
func (p *InPort[T]) Close() error {
	p.mu.Lock()
	prov := p.provider
	p.provider = nil
	p.mu.Unlock()
	if prov != nil {
		return prov.Close()
	}
	return nil
}

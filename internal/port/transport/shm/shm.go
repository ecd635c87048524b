// Package shm implements the "shared_memory" transport: a
// zero-copy-in-spirit handoff between a Consumer and Provider that
// share the same process, standing in for the real shared-memory
// segment a cross-process shared_memory transport would mmap. A
// Consumer.Send call hands its payload directly to the Provider's
// deliver callback under the segment's lock; no intermediate channel
// or socket round-trip is involved, unlike corba_cdr.
package shm

import (
	"sync"

	"rtcd/internal/connector"
	"rtcd/internal/port"
	"rtcd/internal/rtcerr"
)

// segment is the shared mailbox between one Consumer and its Provider,
// keyed by connector ID.
type segment struct {
	mu      sync.Mutex
	deliver func([]byte) error
	closed  bool
}

type registry struct {
	mu   sync.Mutex
	segs map[string]*segment
}

func newRegistry() *registry {
	return &registry{segs: make(map[string]*segment)}
}

func (r *registry) get(id string) *segment {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.segs[id]
	if !ok {
		s = &segment{}
		r.segs[id] = s
	}
	return s
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.segs, id)
}

// Register installs the shared_memory Provider/Consumer factories
// into t.
func Register(t *port.Transports) {
	reg := newRegistry()

	t.RegisterProvider("shared_memory", func(info *connector.Info, deliver func([]byte) error) (port.Provider, error) {
		seg := reg.get(info.ID.String())
		seg.mu.Lock()
		seg.deliver = deliver
		seg.mu.Unlock()
		return &provider{id: info.ID.String(), reg: reg}, nil
	})

	t.RegisterConsumer("shared_memory", func(info *connector.Info) (port.Consumer, error) {
		return &consumer{id: info.ID.String(), reg: reg}, nil
	})
}

type provider struct {
	id  string
	reg *registry
}

// Push exists to satisfy port.Provider; shared_memory delivers
// in-line from Consumer.Send rather than through an out-of-band
// network call, so nothing in this package invokes it.
func (p *provider) Push(payload []byte) error {
	seg := p.reg.get(p.id)
	seg.mu.Lock()
	deliver := seg.deliver
	seg.mu.Unlock()
	if deliver == nil {
		return rtcerr.New(rtcerr.InternalError, "shm: no provider registered")
	}
	return deliver(payload)
}

func (p *provider) Close() error {
	p.reg.remove(p.id)
	return nil
}

type consumer struct {
	id  string
	reg *registry
}

func (c *consumer) Send(payload []byte) error {
	seg := c.reg.get(c.id)
	seg.mu.Lock()
	defer seg.mu.Unlock()
	if seg.closed {
		return rtcerr.New(rtcerr.InternalError, "shm: segment closed")
	}
	if seg.deliver == nil {
		return rtcerr.New(rtcerr.NotAvailable, "shm: no provider for connector")
	}
	return seg.deliver(payload)
}

func (c *consumer) Close() error {
	seg := c.reg.get(c.id)
	seg.mu.Lock()
	seg.closed = true
	seg.mu.Unlock()
	c.reg.remove(c.id)
	return nil
}

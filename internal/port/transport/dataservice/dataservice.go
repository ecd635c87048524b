// Package dataservice implements the "data_service" transport: a
// subscription-oriented connection that envelopes every payload with
// the connector ID and a sequence number before delivery, so a
// receiver can detect drops even across the loopback channel standing
// in for a real network link. The envelope is encoded with
// github.com/vmihailenco/msgpack/v5.
package dataservice

import (
	"sync"
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"

	"rtcd/internal/connector"
	"rtcd/internal/port"
	"rtcd/internal/rtcerr"
)

// envelope wraps one payload frame with its connector ID and a
// per-connector monotonic sequence number.
type envelope struct {
	ConnectorID string `msgpack:"connector_id"`
	Seq         uint64 `msgpack:"seq"`
	Payload     []byte `msgpack:"payload"`
}

type channel struct {
	seq atomic.Uint64
	ch  chan []byte
}

type registry struct {
	mu   sync.Mutex
	ends map[string]*channel
}

func newRegistry() *registry {
	return &registry{ends: make(map[string]*channel)}
}

func (r *registry) endpoint(id string) *channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.ends[id]
	if !ok {
		c = &channel{ch: make(chan []byte, 16)}
		r.ends[id] = c
	}
	return c
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ends, id)
}

// Register installs the data_service Provider/Consumer factories
// into t.
func Register(t *port.Transports) {
	reg := newRegistry()

	t.RegisterProvider("data_service", func(info *connector.Info, deliver func([]byte) error) (port.Provider, error) {
		p := &provider{id: info.ID.String(), reg: reg, deliver: deliver, done: make(chan struct{})}
		go p.loop()
		return p, nil
	})

	t.RegisterConsumer("data_service", func(info *connector.Info) (port.Consumer, error) {
		return &consumer{id: info.ID.String(), reg: reg}, nil
	})
}

type provider struct {
	id      string
	reg     *registry
	deliver func([]byte) error
	lastSeq uint64
	done    chan struct{}
}

func (p *provider) loop() {
	ch := p.reg.endpoint(p.id).ch
	for {
		select {
		case frame, ok := <-ch:
			if !ok {
				return
			}
			var env envelope
			if err := msgpack.Unmarshal(frame, &env); err != nil {
				continue
			}
			p.lastSeq = env.Seq
			_ = p.deliver(env.Payload)
		case <-p.done:
			return
		}
	}
}

func (p *provider) Push(payload []byte) error {
	return rtcerr.New(rtcerr.InternalError, "dataservice: provider side does not originate sends")
}

func (p *provider) Close() error {
	close(p.done)
	p.reg.remove(p.id)
	return nil
}

type consumer struct {
	id  string
	reg *registry
}

func (c *consumer) Send(payload []byte) error {
	ep := c.reg.endpoint(c.id)
	env := envelope{
		ConnectorID: c.id,
		Seq:         ep.seq.Add(1),
		Payload:     payload,
	}
	frame, err := msgpack.Marshal(&env)
	if err != nil {
		return rtcerr.Wrap(rtcerr.InternalError, "dataservice: encode envelope", err)
	}
	ep.ch <- frame
	return nil
}

func (c *consumer) Close() error {
	c.reg.remove(c.id)
	return nil
}

// Package corbacdr implements the "corba_cdr" transport: a
// length-prefixed byte frame whose integer fields are encoded with the
// endian named in ConnectorInfo.properties.serializer.cdr.endian,
// framed directly with encoding/binary.
package corbacdr

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"rtcd/internal/connector"
	"rtcd/internal/port"
)

func byteOrder(info *connector.Info) binary.ByteOrder {
	if info.Properties != nil && info.Properties.Get("serializer.cdr.endian") == "big" {
		return binary.BigEndian
	}
	return binary.LittleEndian
}

// registry pairs a Consumer's Send with the Provider created for the
// same connector ID, standing in for the real socket a corba_cdr
// transport would use between separate processes.
type registry struct {
	mu   sync.Mutex
	ends map[uuid.UUID]chan []byte
}

func newRegistry() *registry {
	return &registry{ends: make(map[uuid.UUID]chan []byte)}
}

func (r *registry) endpoint(id uuid.UUID) chan []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch, ok := r.ends[id]
	if !ok {
		ch = make(chan []byte, 16)
		r.ends[id] = ch
	}
	return ch
}

func (r *registry) remove(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.ends, id)
}

// Register installs the corba_cdr Provider/Consumer factories into t.
func Register(t *port.Transports) {
	reg := newRegistry()

	t.RegisterProvider("corba_cdr", func(info *connector.Info, deliver func([]byte) error) (port.Provider, error) {
		p := &provider{info: info, reg: reg, deliver: deliver, done: make(chan struct{})}
		go p.loop()
		return p, nil
	})

	t.RegisterConsumer("corba_cdr", func(info *connector.Info) (port.Consumer, error) {
		return &consumer{info: info, reg: reg}, nil
	})
}

type provider struct {
	info    *connector.Info
	reg     *registry
	deliver func([]byte) error
	done    chan struct{}
}

func (p *provider) loop() {
	ch := p.reg.endpoint(p.info.ID)
	for {
		select {
		case frame, ok := <-ch:
			if !ok {
				return
			}
			payload, err := decodeFrame(p.info, frame)
			if err == nil {
				_ = p.deliver(payload)
			}
		case <-p.done:
			return
		}
	}
}

func (p *provider) Push(payload []byte) error {
	frame, err := encodeFrame(p.info, payload)
	if err != nil {
		return err
	}
	p.reg.endpoint(p.info.ID) <- frame
	return nil
}

func (p *provider) Close() error {
	close(p.done)
	p.reg.remove(p.info.ID)
	return nil
}

type consumer struct {
	info *connector.Info
	reg  *registry
}

func (c *consumer) Send(payload []byte) error {
	frame, err := encodeFrame(c.info, payload)
	if err != nil {
		return err
	}
	c.reg.endpoint(c.info.ID) <- frame
	return nil
}

func (c *consumer) Close() error {
	c.reg.remove(c.info.ID)
	return nil
}

// encodeFrame/decodeFrame apply a 4-byte length prefix in the
// connection's negotiated endian: the endian flag travels with the
// connector, never guessed at decode time.
func encodeFrame(info *connector.Info, payload []byte) ([]byte, error) {
	var buf bytes.Buffer
	if err := binary.Write(&buf, byteOrder(info), uint32(len(payload))); err != nil {
		return nil, fmt.Errorf("corbacdr: encode length prefix: %w", err)
	}
	buf.Write(payload)
	return buf.Bytes(), nil
}

func decodeFrame(info *connector.Info, frame []byte) ([]byte, error) {
	if len(frame) < 4 {
		return nil, fmt.Errorf("corbacdr: frame too short: %d bytes", len(frame))
	}
	var n uint32
	r := bytes.NewReader(frame[:4])
	if err := binary.Read(r, byteOrder(info), &n); err != nil {
		return nil, fmt.Errorf("corbacdr: decode length prefix: %w", err)
	}
	if int(n) != len(frame)-4 {
		return nil, fmt.Errorf("corbacdr: length prefix %d does not match payload %d", n, len(frame)-4)
	}
	return frame[4:], nil
}

package port

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"rtcd/internal/connector"
	"rtcd/internal/notify"
	"rtcd/internal/props"
	"rtcd/internal/ringbuffer"
	"rtcd/internal/rtcerr"
)

// EncodeFunc/DecodeFunc convert a typed payload to/from the bytes a
// transport moves. Only connections that cross a transport (as
// opposed to a same-process OutPort<->InPort peer link) need them.
type EncodeFunc[T any] func(T) ([]byte, error)
type DecodeFunc[T any] func([]byte) (T, error)

// defaultPushRate paces a periodic-subscription sender when the
// negotiation did not carry an explicit push rate.
const defaultPushRate = 100.0

// Connection is one link between an OutPort and a single InPort,
// wiring together the negotiated ConnectorInfo, its listener chain,
// a send-side buffer, and either an in-process peer or a
// Consumer/Provider transport pair.
//
// A flush subscription delivers synchronously from the writer's own
// call. New and periodic subscriptions decouple the writer from the
// wire: write only enqueues into the send buffer, and a dedicated
// sender goroutine drains it, so a slow or blocked consumer backs
// pressure up into the buffer and the buffer-pressure events fire on
// subsequent writes instead of the writer stalling.
type Connection[T any] struct {
	Info       *connector.Info
	Chain      *connector.Chain
	Negotiated Negotiated
	FullPolicy BufferFullPolicy

	mu     sync.Mutex
	buffer *ringbuffer.RingBuffer[T]

	peer     *InPort[T] // non-nil for an in-process connection
	consumer Consumer   // non-nil for a transport-backed connection
	encode   EncodeFunc[T]
	decode   DecodeFunc[T]

	wake   *notify.Signal
	stopCh chan struct{}
	doneCh chan struct{}

	log *slog.Logger
}

func newConnectionInfo(name string, n Negotiated) *connector.Info {
	p := props.New()
	p.Set("dataflow_type", n.Dataflow.String())
	p.Set("subscription_type", n.Subscription.String())
	p.Set("interface_type", n.InterfaceType)
	p.Set("serializer.cdr.endian", n.Endian)
	if n.PushRate > 0 {
		p.Set("push_rate", strconv.FormatFloat(n.PushRate, 'f', -1, 64))
	}
	return connector.NewInfo(name, p)
}

// startSender launches the sender goroutine for buffered (new or
// periodic) subscriptions. Flush connections have no sender: their
// writes go straight to the wire.
func (c *Connection[T]) startSender() {
	if c.Negotiated.Subscription == SubscriptionFlush {
		return
	}
	c.wake = notify.NewSignal()
	c.stopCh = make(chan struct{})
	c.doneCh = make(chan struct{})
	go c.sendLoop()
}

// write runs the push path. A flush subscription sends synchronously.
// A buffered subscription enqueues and leaves delivery to the sender:
// when the sender cannot keep up, the buffer fills and the write fires
// ON_BUFFER_FULL followed by the full-policy event.
func (c *Connection[T]) write(v T) error {
	c.Chain.NotifyTyped(connector.OnBufferWrite, c.Info, v)

	if c.Negotiated.Subscription == SubscriptionFlush {
		return c.send(v)
	}

	c.mu.Lock()
	full := c.buffer.WillOverwrite()
	if !full || c.FullPolicy == PolicyOverwrite {
		c.buffer.Put(v)
	}
	c.mu.Unlock()

	if full {
		c.Chain.NotifyTyped(connector.OnBufferFull, c.Info, v)
		switch c.FullPolicy {
		case PolicyOverwrite:
			c.Chain.NotifyTyped(connector.OnBufferOverwrite, c.Info, v)
		case PolicyTimeout:
			c.Chain.NotifyTyped(connector.OnBufferWriteTimeout, c.Info, v)
			return rtcerr.New(rtcerr.InternalError, "port.Write: buffer full, write timed out")
		case PolicyDrop:
			return nil
		}
	}
	c.wake.Notify()
	return nil
}

// send moves one value across the wire: ON_SEND before the transport
// call, then exactly one of ON_RECEIVED or ON_RECEIVER_ERROR.
func (c *Connection[T]) send(v T) error {
	c.Chain.NotifyTyped(connector.OnSend, c.Info, v)

	var sendErr error
	if c.peer != nil {
		c.peer.deliver(v)
	} else if c.consumer != nil {
		raw, err := c.encode(v)
		if err != nil {
			sendErr = err
		} else {
			sendErr = c.consumer.Send(raw)
		}
	}

	if sendErr != nil {
		c.Chain.NotifyTyped(connector.OnReceiverError, c.Info, v)
		return rtcerr.Wrap(rtcerr.InternalError, "port.Write", sendErr)
	}
	c.Chain.NotifyTyped(connector.OnReceived, c.Info, v)
	return nil
}

// sendLoop drains the send buffer one value at a time, in write order.
// A new subscription sleeps until a write wakes it; a periodic
// subscription paces itself by the negotiated push rate whether or not
// anything is pending. The wake channel is captured before the buffer
// is checked so a write landing in between cannot be missed.
func (c *Connection[T]) sendLoop() {
	defer close(c.doneCh)
	period := c.pushPeriod()

	for {
		select {
		case <-c.stopCh:
			return
		default:
		}

		wakeCh := c.wake.C()

		c.mu.Lock()
		pending := !c.buffer.IsEmpty()
		var v T
		if pending {
			v = c.buffer.Get()
		}
		c.mu.Unlock()

		if pending {
			_ = c.send(v)
			if c.Negotiated.Subscription != SubscriptionPeriodic {
				continue
			}
		}

		if c.Negotiated.Subscription == SubscriptionPeriodic {
			t := time.NewTimer(period)
			select {
			case <-c.stopCh:
				t.Stop()
				return
			case <-t.C:
			}
			continue
		}

		select {
		case <-c.stopCh:
			return
		case <-wakeCh:
		}
	}
}

func (c *Connection[T]) pushPeriod() time.Duration {
	r := c.Negotiated.PushRate
	if r <= 0 {
		r = defaultPushRate
	}
	return time.Duration(float64(time.Second) / r)
}

// Close stops the sender, releases transport resources, and fires
// ON_DISCONNECT. It does not wait for a sender stuck in a blocked
// transport call; closing the consumer is expected to unblock or fail
// it, and an in-flight value that never returns is abandoned.
func (c *Connection[T]) Close() error {
	if c.stopCh != nil {
		close(c.stopCh)
	}
	var err error
	if c.consumer != nil {
		err = c.consumer.Close()
	}
	c.Chain.NotifyUntyped(connector.OnDisconnect, c.Info)
	c.Chain.Close()
	return err
}

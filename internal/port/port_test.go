package port

import (
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"rtcd/internal/connector"
	"rtcd/internal/rtcerr"
)

func TestConnectLocalWriteDeliversToPeer(t *testing.T) {
	out := NewOutPort[int]("out", nil)
	in := NewInPort[int]("in", 4, nil)
	out.ConnectLocal("c0", NegotiationRequest{BufferCapacity: 4}, in)

	if err := out.Write(42); err != nil {
		t.Fatalf("write: %v", err)
	}
	v, err := in.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if v != 42 {
		t.Fatalf("expected 42, got %d", v)
	}
}

func TestWriteOrderPreservedAcrossCalls(t *testing.T) {
	out := NewOutPort[int]("out", nil)
	in := NewInPort[int]("in", 4, nil)
	out.ConnectLocal("c0", NegotiationRequest{BufferCapacity: 4}, in)

	out.Write(1)
	first, _ := in.Read()
	out.Write(2)
	second, _ := in.Read()

	if first != 1 || second != 2 {
		t.Fatalf("expected 1 then 2, got %d then %d", first, second)
	}
}

func TestReadOnEmptyBufferFiresBufferEmptyAndErrors(t *testing.T) {
	in := NewInPort[int]("in", 4, nil)
	_, err := in.Read()
	if !errors.Is(err, rtcerr.ErrNotAvailable) {
		t.Fatalf("expected NotAvailable, got %v", err)
	}
}

// gatedConsumer blocks every Send until unblock is closed, standing in
// for a transport whose remote side has stopped draining.
type gatedConsumer struct {
	unblock <-chan struct{}
	mu      sync.Mutex
	sent    []int
}

func (c *gatedConsumer) Send(p []byte) error {
	<-c.unblock
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, int(p[0]))
	return nil
}

func (c *gatedConsumer) Close() error { return nil }

func (c *gatedConsumer) snapshot() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.sent...)
}

// connectGated wires an OutPort to a consumer that blocks until the
// returned channel is closed: a buffered (new-subscription) connection
// with a 4-slot send buffer and the given full policy.
func connectGated(t *testing.T, policy BufferFullPolicy) (*OutPort[int], *Connection[int], *gatedConsumer, chan struct{}) {
	t.Helper()
	transports := NewTransports()
	transports.RegisterProvider("gated", func(info *connector.Info, deliver func([]byte) error) (Provider, error) {
		return &loopbackProvider{deliver: deliver}, nil
	})
	unblock := make(chan struct{})
	cons := &gatedConsumer{unblock: unblock}
	transports.RegisterConsumer("gated", func(info *connector.Info) (Consumer, error) {
		return cons, nil
	})

	out := NewOutPort[int]("out", nil)
	conn, err := out.ConnectRemote("c0", NegotiationRequest{
		InterfaceTypes: []string{"gated"},
		Subscription:   []SubscriptionType{SubscriptionNew},
		FullPolicy:     policy,
		BufferCapacity: 4,
	}, transports,
		func(v int) ([]byte, error) { return []byte{byte(v)}, nil },
		func(b []byte) (int, error) { return int(b[0]), nil },
	)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	return out, conn, cons, unblock
}

// A consumer that stops draining backs pressure up into the send
// buffer: the sender takes at most one value before blocking, so at
// least five of ten writes find the 4-slot buffer full. The overwrite
// policy drops the oldest values, and once the consumer unblocks,
// delivery ends with the newest four in write order.
func TestBlockedConsumerOverwritePolicyKeepsNewestValues(t *testing.T) {
	out, conn, cons, unblock := connectGated(t, PolicyOverwrite)

	var fulls, overwrites atomic.Int32
	connector.AddTyped(conn.Chain, connector.OnBufferFull, false, func(info *connector.Info, v int) (connector.Result, int) {
		fulls.Add(1)
		return 0, v
	})
	connector.AddTyped(conn.Chain, connector.OnBufferOverwrite, false, func(info *connector.Info, v int) (connector.Result, int) {
		overwrites.Add(1)
		return 0, v
	})

	for i := 1; i <= 10; i++ {
		if err := out.Write(i); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}

	if fulls.Load() < 5 {
		t.Fatalf("expected at least 5 ON_BUFFER_FULL, got %d", fulls.Load())
	}
	if overwrites.Load() < 5 {
		t.Fatalf("expected at least 5 ON_BUFFER_OVERWRITE, got %d", overwrites.Load())
	}

	close(unblock)
	want := []int{7, 8, 9, 10}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got := cons.snapshot()
		if len(got) >= len(want) && slices.Equal(got[len(got)-len(want):], want) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected delivery to end with %v, got %v", want, cons.snapshot())
}

func TestBlockedConsumerTimeoutPolicyFailsWrites(t *testing.T) {
	out, conn, _, unblock := connectGated(t, PolicyTimeout)
	defer close(unblock)

	var timeouts atomic.Int32
	connector.AddTyped(conn.Chain, connector.OnBufferWriteTimeout, false, func(info *connector.Info, v int) (connector.Result, int) {
		timeouts.Add(1)
		return 0, v
	})

	var failed int32
	for i := 1; i <= 10; i++ {
		if err := out.Write(i); err != nil {
			if !errors.Is(err, rtcerr.ErrInternalError) {
				t.Fatalf("expected a timeout error, got %v", err)
			}
			failed++
		}
	}
	if failed < 5 {
		t.Fatalf("expected at least 5 writes to time out, got %d", failed)
	}
	if timeouts.Load() != failed {
		t.Fatalf("expected one ON_BUFFER_WRITE_TIMEOUT per failed write, got %d for %d failures", timeouts.Load(), failed)
	}
}

func TestBlockedConsumerDropPolicySilentlyDropsWrites(t *testing.T) {
	out, conn, _, unblock := connectGated(t, PolicyDrop)
	defer close(unblock)

	var fulls atomic.Int32
	connector.AddTyped(conn.Chain, connector.OnBufferFull, false, func(info *connector.Info, v int) (connector.Result, int) {
		fulls.Add(1)
		return 0, v
	})

	for i := 1; i <= 10; i++ {
		if err := out.Write(i); err != nil {
			t.Fatalf("drop policy must not fail a write, got %v", err)
		}
	}
	if fulls.Load() < 5 {
		t.Fatalf("expected at least 5 ON_BUFFER_FULL, got %d", fulls.Load())
	}
}

func TestBufferedSubscriptionDeliversAsynchronously(t *testing.T) {
	out := NewOutPort[int]("out", nil)
	in := NewInPort[int]("in", 4, nil)
	out.ConnectLocal("c0", NegotiationRequest{
		Subscription:   []SubscriptionType{SubscriptionNew},
		BufferCapacity: 4,
	}, in)

	if err := out.Write(42); err != nil {
		t.Fatalf("write: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if !in.IsEmpty() {
			v, err := in.Read()
			if err != nil || v != 42 {
				t.Fatalf("expected 42, got %d, %v", v, err)
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("sender never delivered the buffered value")
}

func TestDisconnectFiresOnDisconnect(t *testing.T) {
	out := NewOutPort[int]("out", nil)
	in := NewInPort[int]("in", 4, nil)
	conn := out.ConnectLocal("c0", NegotiationRequest{BufferCapacity: 4}, in)

	var disconnected bool
	conn.Chain.AddUntyped(connector.OnDisconnect, false, func(info *connector.Info) {
		disconnected = true
	})

	if err := out.Disconnect(conn.Info.ID.String()); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	if !disconnected {
		t.Fatal("expected ON_DISCONNECT to fire")
	}
	if out.ConnectionCount() != 0 {
		t.Fatalf("expected connection removed, count=%d", out.ConnectionCount())
	}
}

func TestPullSourceFetchesOnEmptyRead(t *testing.T) {
	in := NewInPort[int]("in", 4, nil)
	info := connector.NewInfo("pull0", nil)
	in.RegisterPullSource(info, func() (int, error) { return 7, nil })

	v, err := in.Read()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if v != 7 {
		t.Fatalf("expected 7, got %d", v)
	}
}

func TestRemoteConnectNegotiatesFirstMutualInterfaceType(t *testing.T) {
	transports := NewTransports()
	transports.RegisterProvider("data_service", func(info *connector.Info, deliver func([]byte) error) (Provider, error) {
		return &loopbackProvider{deliver: deliver}, nil
	})
	var sent [][]byte
	transports.RegisterConsumer("data_service", func(info *connector.Info) (Consumer, error) {
		return &loopbackConsumer{sink: &sent}, nil
	})

	out := NewOutPort[int]("out", nil)
	conn, err := out.ConnectRemote("c0", NegotiationRequest{
		InterfaceTypes: []string{"corba_cdr", "data_service"},
	}, transports,
		func(v int) ([]byte, error) { return []byte{byte(v)}, nil },
		func(b []byte) (int, error) { return int(b[0]), nil },
	)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if conn.Negotiated.InterfaceType != "data_service" {
		t.Fatalf("expected data_service (only mutually supported type), got %s", conn.Negotiated.InterfaceType)
	}

	if err := out.Write(5); err != nil {
		t.Fatalf("write: %v", err)
	}
	if len(sent) != 1 || sent[0][0] != 5 {
		t.Fatalf("expected encoded byte 5 sent, got %v", sent)
	}
}

type loopbackProvider struct {
	deliver func([]byte) error
}

func (p *loopbackProvider) Push(payload []byte) error { return p.deliver(payload) }
func (p *loopbackProvider) Close() error              { return nil }

type loopbackConsumer struct {
	sink *[][]byte
}

func (c *loopbackConsumer) Send(payload []byte) error {
	*c.sink = append(*c.sink, payload)
	return nil
}
func (c *loopbackConsumer) Close() error { return nil }

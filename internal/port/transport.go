package port

import (
	"sync"

	"rtcd/internal/connector"
	"rtcd/internal/rtcerr"
)

// Provider is the receiving side of a connection: it exposes Push to
// the network (or loopback) and forwards decoded bytes into the
// owning InPort.
type Provider interface {
	Push(payload []byte) error
	Close() error
}

// Consumer is the sending side of a connection: it holds a reference
// to the remote Provider and forwards encoded bytes to it.
type Consumer interface {
	Send(payload []byte) error
	Close() error
}

// ProviderFactory builds a Provider for one connection. deliver is
// called with every payload the Provider receives.
type ProviderFactory func(info *connector.Info, deliver func([]byte) error) (Provider, error)

// ConsumerFactory builds a Consumer bound to the Provider side of the
// same connection (identified by info.ID).
type ConsumerFactory func(info *connector.Info) (Consumer, error)

// Transports is the per-process registry of Provider/Consumer
// factories keyed by interface_type ("corba_cdr", "shared_memory",
// "data_service"): a registry populated by the entry point, consumed
// by name, never hard-wired to a concrete transport package.
type Transports struct {
	mu        sync.Mutex
	providers map[string]ProviderFactory
	consumers map[string]ConsumerFactory
}

// NewTransports returns an empty registry.
func NewTransports() *Transports {
	return &Transports{
		providers: make(map[string]ProviderFactory),
		consumers: make(map[string]ConsumerFactory),
	}
}

// RegisterProvider adds a Provider factory under interfaceType.
func (t *Transports) RegisterProvider(interfaceType string, f ProviderFactory) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.providers[interfaceType] = f
}

// RegisterConsumer adds a Consumer factory under interfaceType.
func (t *Transports) RegisterConsumer(interfaceType string, f ConsumerFactory) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.consumers[interfaceType] = f
}

// Supported reports whether interfaceType has both a Provider and a
// Consumer factory registered.
func (t *Transports) Supported(interfaceType string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, p := t.providers[interfaceType]
	_, c := t.consumers[interfaceType]
	return p && c
}

// NewProvider instantiates the Provider for interfaceType.
func (t *Transports) NewProvider(interfaceType string, info *connector.Info, deliver func([]byte) error) (Provider, error) {
	t.mu.Lock()
	f, ok := t.providers[interfaceType]
	t.mu.Unlock()
	if !ok {
		return nil, rtcerr.New(rtcerr.NotAvailable, "transports: unknown provider interface_type "+interfaceType)
	}
	return f(info, deliver)
}

// NewConsumer instantiates the Consumer for interfaceType.
func (t *Transports) NewConsumer(interfaceType string, info *connector.Info) (Consumer, error) {
	t.mu.Lock()
	f, ok := t.consumers[interfaceType]
	t.mu.Unlock()
	if !ok {
		return nil, rtcerr.New(rtcerr.NotAvailable, "transports: unknown consumer interface_type "+interfaceType)
	}
	return f(info)
}

// Package echo implements a minimal demo RTC: it increments a counter
// on every on_execute and exposes it through a single DataOut port, so
// `rtcd run --bootstrap` has something to activate without a loaded
// module. It is a synthetic, config-free stand-in for smoke-testing
// the runtime end to end, not a real integration.
package echo

import (
	"log/slog"
	"sync/atomic"

	"rtcd/internal/logging"
	"rtcd/internal/port"
	"rtcd/internal/rtcomp"
)

// Component counts its own on_execute invocations and publishes the
// running total on its "count" DataOut port.
type Component struct {
	log   *slog.Logger
	count atomic.Int64
	out   *port.OutPort[int64]
}

// New returns an unstarted Echo component.
func New(logger *slog.Logger) *Component {
	log := logging.Default(logger)
	return &Component{
		log: log,
		out: port.NewOutPort[int64]("count", log),
	}
}

// OutPort exposes the component's DataOut port so callers can connect
// an InPort to it before activation.
func (c *Component) OutPort() *port.OutPort[int64] { return c.out }

// Ports declares the component's ports so the owning rtcomp.Component
// registers them for preconnect lookup and finalize-time close.
func (c *Component) Ports() []rtcomp.Port { return []rtcomp.Port{c.out} }

// Count returns the current execute counter.
func (c *Component) Count() int64 { return c.count.Load() }

func (c *Component) OnInitialize() error { return nil }

func (c *Component) OnFinalize() error {
	return c.out.CloseAll()
}

func (c *Component) OnStartup(ecID string) error  { return nil }
func (c *Component) OnShutdown(ecID string) error { return nil }
func (c *Component) OnActivated(ecID string) error {
	c.log.Debug("echo activated", "ec_id", ecID)
	return nil
}
func (c *Component) OnDeactivated(ecID string) error {
	c.log.Debug("echo deactivated", "ec_id", ecID)
	return nil
}

func (c *Component) OnExecute(ecID string) error {
	n := c.count.Add(1)
	return c.out.Write(n)
}

func (c *Component) OnStateUpdate(ecID string) error { return nil }
func (c *Component) OnAborting(ecID string) error    { return nil }
func (c *Component) OnError(ecID string) error       { return nil }
func (c *Component) OnReset(ecID string) error       { return nil }
func (c *Component) OnRateChanged(ecID string) error { return nil }

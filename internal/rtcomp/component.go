// Package rtcomp implements Component, the type that ties a concrete
// RTC implementation's hooks to its ports, its per-execution-context
// lifecycle.Machine pool, and its named configuration sets.
//
// The process-wide life state (Created/Alive/Exited) is tracked
// independently of any per-context state: a component is Alive once
// on_initialize succeeds, regardless of whether any of its contexts
// has activated it.
package rtcomp

import (
	"log/slog"
	"sync"

	"rtcd/internal/execontext"
	"rtcd/internal/lifecycle"
	"rtcd/internal/logging"
	"rtcd/internal/props"
	"rtcd/internal/rtcerr"
)

// Object is what a concrete RTC implementation supplies: the
// process-wide initialize/finalize hooks plus every per-(component,
// context) hook the lifecycle state machine drives.
type Object interface {
	OnInitialize() error
	OnFinalize() error
	lifecycle.Hooks
}

// Port is the subset of OutPort[T]/InPort[T] a Component needs in
// order to finalize its ports on exit, independent of payload type.
type Port interface {
	Name() string
	Close() error
}

// PortProvider is optionally implemented by an Object to declare its
// ports up front; New registers them so the Manager can find them by
// name (manager.components.preconnect) and Finalize can close them.
type PortProvider interface {
	Ports() []Port
}

// Component is one RT object: an Object plus everything the Manager
// and its execution contexts need to drive it.
type Component struct {
	typeName string
	object   Object

	mu           sync.Mutex
	instanceName string
	log          *slog.Logger
	life         lifecycle.LifeState
	configSets   map[string]*props.Node
	activeSet    string
	ports        []Port
	ecs          map[string]*execontext.PeriodicExecutionContext
	machines     map[string]*lifecycle.Machine
}

// New returns a Component in the Created life state. Its instance
// name is unknown until the owning factory.Registry assigns one via
// AssignInstanceName.
func New(typeName string, object Object, logger *slog.Logger) *Component {
	c := &Component{
		typeName:   typeName,
		object:     object,
		log:        logging.Default(logger),
		life:       lifecycle.Created,
		configSets: map[string]*props.Node{"default": props.New()},
		activeSet:  "default",
		ecs:        make(map[string]*execontext.PeriodicExecutionContext),
		machines:   make(map[string]*lifecycle.Machine),
	}
	if pp, ok := object.(PortProvider); ok {
		c.ports = append(c.ports, pp.Ports()...)
	}
	return c
}

// AssignInstanceName sets the component's instance_name, as computed
// by the factory registry's numbering policy, and rescopes the
// component's logger now that its identity is known. Calling it more
// than once replaces the name and adds another component label to the
// logger; the registry calls it exactly once per instance.
func (c *Component) AssignInstanceName(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instanceName = name
	c.log = c.log.With("component", name)
}

// InstanceName returns the component's instance name ("" before
// AssignInstanceName has run).
func (c *Component) InstanceName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instanceName
}

// ID satisfies a narrower identity interface than execontext.Participant;
// components register one binding per attached context instead (see
// AttachContext), since a single Component may sit in several contexts
// at once, each with an independent lifecycle.Machine.
func (c *Component) ID() string { return c.InstanceName() }

// TypeName returns the component's registered type name.
func (c *Component) TypeName() string { return c.typeName }

// LifeState returns the process-wide Created/Alive/Exited state.
func (c *Component) LifeState() lifecycle.LifeState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.life
}

// AddPort registers p so Finalize closes it on exit.
func (c *Component) AddPort(p Port) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ports = append(c.ports, p)
}

// Ports returns every registered port.
func (c *Component) Ports() []Port {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Port(nil), c.ports...)
}

// Port looks a registered port up by name.
func (c *Component) Port(name string) (Port, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, p := range c.ports {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

// ConfigSet returns the named configuration set, creating an empty one
// if it does not yet exist.
func (c *Component) ConfigSet(name string) *props.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.configSets[name]; ok {
		return n
	}
	n := props.New()
	c.configSets[name] = n
	return n
}

// ActiveConfigSet returns the currently active configuration set.
func (c *Component) ActiveConfigSet() *props.Node {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.configSets[c.activeSet]
}

// ActiveConfigSetName returns the name of the currently active set.
func (c *Component) ActiveConfigSetName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.activeSet
}

// SelectConfigSet makes name the active configuration set. Rejected
// with NotAvailable if name has never been created via ConfigSet.
func (c *Component) SelectConfigSet(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.configSets[name]; !ok {
		return rtcerr.New(rtcerr.NotAvailable, "rtcomp.SelectConfigSet")
	}
	c.activeSet = name
	return nil
}

// binding is the execontext.Participant registered for one
// (component, context) pair. A Component creates one per attached
// context so that each gets its own lifecycle.Machine; one component
// may attach to many contexts.
type binding struct {
	comp *Component
	m    *lifecycle.Machine
}

func (b *binding) ID() string                  { return b.comp.InstanceName() }
func (b *binding) Machine() *lifecycle.Machine { return b.m }
func (b *binding) DetachContext(ecID string)   { b.comp.forgetContext(ecID) }

// AttachContext registers this component with ec, giving it a fresh
// lifecycle.Machine scoped to ec.ID(). Re-attaching an already-attached
// context is a no-op.
func (c *Component) AttachContext(ec *execontext.PeriodicExecutionContext) {
	c.mu.Lock()
	if _, ok := c.ecs[ec.ID()]; ok {
		c.mu.Unlock()
		return
	}
	m := lifecycle.NewMachine(ec.ID(), c.object, c.log)
	c.ecs[ec.ID()] = ec
	c.machines[ec.ID()] = m
	c.mu.Unlock()

	ec.RegisterParticipant(&binding{comp: c, m: m})
}

// DetachContext removes ec from this component's attached set without
// stopping or destroying ec itself, so other participants of ec are
// unaffected.
func (c *Component) DetachContext(ec *execontext.PeriodicExecutionContext) {
	ec.DetachParticipant(c.InstanceName())
	c.forgetContext(ec.ID())
}

func (c *Component) forgetContext(ecID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.ecs, ecID)
	delete(c.machines, ecID)
}

// Machine returns the lifecycle.Machine bound to ecID, or nil if the
// component is not attached to that context.
func (c *Component) Machine(ecID string) *lifecycle.Machine {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.machines[ecID]
}

// ExecutionContextIDs returns the IDs of every context this component
// is currently attached to.
func (c *Component) ExecutionContextIDs() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]string, 0, len(c.ecs))
	for id := range c.ecs {
		ids = append(ids, id)
	}
	return ids
}

// Initialize runs the process-wide Created -> Alive transition,
// invoking the object's on_initialize. Rejected with
// PreconditionNotMet if the component is not Created.
func (c *Component) Initialize() error {
	c.mu.Lock()
	if c.life != lifecycle.Created {
		c.mu.Unlock()
		return rtcerr.New(rtcerr.PreconditionNotMet, "rtcomp.Initialize")
	}
	c.mu.Unlock()

	if err := c.object.OnInitialize(); err != nil {
		c.log.Error("on_initialize failed", "error", err)
		return rtcerr.Wrap(rtcerr.InternalError, "rtcomp.Initialize", err)
	}

	c.mu.Lock()
	c.life = lifecycle.Alive
	c.mu.Unlock()
	return nil
}

// Finalize runs the process-wide Alive -> Exited transition: it
// detaches the component from every attached context, closes every
// registered port, and invokes the object's on_finalize.
// Rejected with PreconditionNotMet if the component is not Alive.
func (c *Component) Finalize() error {
	c.mu.Lock()
	if c.life != lifecycle.Alive {
		c.mu.Unlock()
		return rtcerr.New(rtcerr.PreconditionNotMet, "rtcomp.Finalize")
	}
	ecs := make([]*execontext.PeriodicExecutionContext, 0, len(c.ecs))
	for _, ec := range c.ecs {
		ecs = append(ecs, ec)
	}
	ports := append([]Port(nil), c.ports...)
	c.life = lifecycle.Exited
	c.mu.Unlock()

	for _, ec := range ecs {
		c.DetachContext(ec)
	}
	for _, p := range ports {
		if err := p.Close(); err != nil {
			c.log.Warn("port finalize failed", "port", p.Name(), "error", err)
		}
	}

	if err := c.object.OnFinalize(); err != nil {
		c.log.Error("on_finalize failed", "error", err)
		return rtcerr.Wrap(rtcerr.InternalError, "rtcomp.Finalize", err)
	}
	return nil
}

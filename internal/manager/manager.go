// Package manager implements the Manager: the process-wide coordinator
// that loads modules, creates components, binds them into the naming
// service, drives its execution contexts, and tears everything down on
// shutdown.
//
// The factory and EC-factory registries each have their own lock; the
// component and execution-context registries share one, and the Manager carries a scoped
// *slog.Logger rather than touching any global. Shutdown is idempotent
// and re-entrant: teardown always runs on a dedicated goroutine, so a
// caller on one of the Manager's own execution-context threads never
// self-joins.
package manager

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"rtcd/internal/cert"
	"rtcd/internal/execontext"
	"rtcd/internal/factory"
	"rtcd/internal/globaltimer"
	"rtcd/internal/home"
	"rtcd/internal/lifecycle"
	"rtcd/internal/logging"
	"rtcd/internal/modloader"
	"rtcd/internal/naming"
	"rtcd/internal/port"
	"rtcd/internal/props"
	"rtcd/internal/rtcerr"
	"rtcd/internal/rtcomp"
)

// ECFactory builds a named kind of execution context. Only "periodic"
// is registered by default; the EventDriven/Other kinds remain
// placeholders with no factory of their own.
type ECFactory func(id string, rateHz float64, nowait bool, logger *slog.Logger) *execontext.PeriodicExecutionContext

// ComponentFactory is what a module (or the entry point itself)
// registers with the Manager: a profile plus a constructor for the
// component's hook-implementing Object.
type ComponentFactory struct {
	Profile factory.Profile
	New     func() (rtcomp.Object, error)
	Policy  factory.NumberingPolicy // nil selects the default free-list policy
}

// Config configures one Manager instance. Every field has a workable
// zero value (a nil Logger discards output), for tests and for ad hoc
// use without a bootstrap file.
type Config struct {
	Logger *slog.Logger

	// Home is the Manager's on-disk layout (config file, module search
	// dir, log dir). Zero value disables file-backed config.
	Home home.Dir

	// ConfigText, when non-empty, is parsed as the bootstrap properties
	// file instead of reading Home.ConfigPath() from disk - used by
	// tests and by MANAGER_CONFIG-less in-memory bootstraps.
	ConfigText string

	// Name is this Manager's own identity for the "%M" name-format
	// field. Defaults to "manager".
	Name string

	// Transports is the per-process Provider/Consumer registry made
	// available to component factories and modules through
	// Manager.Transports. A nil value gets an empty registry -
	// the entry point is expected to register interface_type transports
	// into it before components try to ConnectRemote.
	Transports *port.Transports
}

// Manager is the process-wide coordinator. The zero value is
// not usable; construct with New.
type Manager struct {
	log    *slog.Logger
	name   string
	config *props.Node

	modLoader  *modloader.Loader
	naming     *naming.Manager
	timer      *globaltimer.Timer
	transports *port.Transports
	certs      *cert.Manager // nil unless naming.tls.* is configured

	factories *factory.Registry[*rtcomp.Component]

	ecFactoriesMu sync.Mutex
	ecFactories   map[string]ECFactory

	mu         sync.Mutex
	defaultEC  *execontext.PeriodicExecutionContext
	ecs        map[string]*execontext.PeriodicExecutionContext
	components map[string]*rtcomp.Component
	activated  bool

	shutdownOnce sync.Once
	shutdownDone chan struct{}
}

// New constructs a Manager from cfg, loading its bootstrap config (if
// any), registering the built-in "periodic" EC factory, the "local"
// naming backend's availability, and starting the global timer. This
// is the init half of the Manager's lifecycle - argv itself is parsed
// by cmd/rtcd and reduced to Config before reaching this package.
func New(cfg Config) (*Manager, error) {
	logger := logging.Default(cfg.Logger)

	configText := cfg.ConfigText
	if configText == "" && cfg.Home.Root() != "" {
		if b, err := os.ReadFile(cfg.Home.ConfigPath()); err == nil {
			configText = string(b)
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("manager: read config: %w", err)
		}
	}

	var tree *props.Node
	if configText != "" {
		t, err := props.Load(configText)
		if err != nil {
			return nil, fmt.Errorf("manager: parse config: %w", err)
		}
		tree = t
	} else {
		tree = props.New()
	}

	name := cfg.Name
	if name == "" {
		name = "manager"
	}

	transports := cfg.Transports
	if transports == nil {
		transports = port.NewTransports()
	}

	m := &Manager{
		log:          logger.With("component", "manager"),
		name:         name,
		config:       tree,
		naming:       naming.New(logger),
		transports:   transports,
		factories:    factory.NewRegistry[*rtcomp.Component](),
		ecFactories:  make(map[string]ECFactory),
		ecs:          make(map[string]*execontext.PeriodicExecutionContext),
		components:   make(map[string]*rtcomp.Component),
		shutdownDone: make(chan struct{}),
	}

	m.RegisterECFactory("periodic", func(id string, rateHz float64, nowait bool, logger *slog.Logger) *execontext.PeriodicExecutionContext {
		return execontext.New(id, rateHz, nowait, logger)
	})

	var searchPath []string
	if v := tree.Get("manager.modules.load_path"); v != "" {
		searchPath = strings.Split(v, ":")
	} else if cfg.Home.Root() != "" {
		searchPath = []string{cfg.Home.ModulesDir()}
	}
	m.modLoader = modloader.New(searchPath, logger)

	if err := m.setupNaming(); err != nil {
		return nil, err
	}

	timer, err := globaltimer.New(logger)
	if err != nil {
		return nil, fmt.Errorf("manager: start global timer: %w", err)
	}
	m.timer = timer
	_ = m.timer.AddInterval("naming.update", 30*time.Second, func() {
		if err := m.naming.Update(context.Background()); err != nil {
			m.log.Warn("naming update failed", "error", err)
		}
	})
	m.timer.Start()

	ecType := tree.Get("exec_cxt.periodic.type")
	if ecType == "" {
		ecType = "periodic"
	}
	rate := 1000.0
	if v := tree.Get("exec_cxt.periodic.rate"); v != "" {
		if r, err := strconv.ParseFloat(v, 64); err == nil && r > 0 {
			rate = r
		}
	}
	ec, err := m.newExecutionContext("ec0", ecType, rate, false)
	if err != nil {
		return nil, err
	}
	m.defaultEC = ec

	return m, nil
}

// setupNaming registers one backend per scheme@address entry in the
// comma-separated naming.type key (e.g.
// "local@,unix@/run/rtcd/naming.sock,tcp+tls@host:9001"). An
// empty/unset naming.type defaults to a single in-memory "local"
// backend so the Manager is usable standalone.
//
// A naming.tls.cert_file/naming.tls.key_file pair loads the client
// certificate that "tcp+tls" backends present during their handshake,
// hot-reloaded on file change by the cert manager.
func (m *Manager) setupNaming() error {
	if certFile, keyFile := m.config.Get("naming.tls.cert_file"), m.config.Get("naming.tls.key_file"); certFile != "" && keyFile != "" {
		cm := cert.New(cert.Config{Logger: m.log})
		if err := cm.Load(map[string]cert.CertSource{
			"naming": {CertFile: certFile, KeyFile: keyFile},
		}); err != nil {
			return fmt.Errorf("manager: load naming TLS cert: %w", err)
		}
		m.certs = cm
		naming.SetTLSCertManager(cm)
	}

	raw := m.config.Get("naming.type")
	if raw == "" {
		raw = "local@"
	}
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		scheme, address, _ := strings.Cut(entry, "@")
		if err := m.naming.RegisterNameServer(scheme, address); err != nil {
			return fmt.Errorf("manager: register naming backend %q: %w", entry, err)
		}
	}
	return nil
}

// RegisterECFactory installs an ECFactory under kind.
func (m *Manager) RegisterECFactory(kind string, f ECFactory) {
	m.ecFactoriesMu.Lock()
	defer m.ecFactoriesMu.Unlock()
	m.ecFactories[kind] = f
}

func (m *Manager) newExecutionContext(id, kind string, rateHz float64, nowait bool) (*execontext.PeriodicExecutionContext, error) {
	m.ecFactoriesMu.Lock()
	f, ok := m.ecFactories[kind]
	m.ecFactoriesMu.Unlock()
	if !ok {
		return nil, rtcerr.New(rtcerr.NotAvailable, "manager.newExecutionContext: unknown kind "+kind)
	}
	ec := f(id, rateHz, nowait, m.log)

	m.mu.Lock()
	m.ecs[id] = ec
	m.mu.Unlock()
	return ec, nil
}

// DefaultExecutionContext returns the Manager's default periodic
// execution context, created during New from exec_cxt.periodic.*.
func (m *Manager) DefaultExecutionContext() *execontext.PeriodicExecutionContext {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.defaultEC
}

// ModuleLoader returns the Manager's module loader, for callers that
// want to preload modules listed in manager.modules.preload
// themselves before Activate.
func (m *Manager) ModuleLoader() *modloader.Loader { return m.modLoader }

// Naming returns the Manager's naming.Manager.
func (m *Manager) Naming() *naming.Manager { return m.naming }

// Transports returns the Manager's transport registry, shared
// by every component's ConnectRemote/ConnectProvider calls.
func (m *Manager) Transports() *port.Transports { return m.transports }

// Config returns the Manager's parsed bootstrap configuration tree.
func (m *Manager) Config() *props.Node { return m.config }

// Logger returns the Manager's own scoped logger.
func (m *Manager) Logger() *slog.Logger { return m.log }

// RegisterFactory registers cf as a creatable component type, the call
// a module's exported init symbol makes. The create function wraps
// cf.New into a rtcomp.Component; the destroy function runs the
// component's Finalize.
func (m *Manager) RegisterFactory(cf ComponentFactory) error {
	create := func(factory.ManagerHandle) (*rtcomp.Component, error) {
		obj, err := cf.New()
		if err != nil {
			return nil, err
		}
		return rtcomp.New(cf.Profile.TypeName, obj, m.log), nil
	}
	destroy := func(_ factory.ManagerHandle, c *rtcomp.Component) error {
		if c.LifeState() != lifecycle.Alive {
			return nil
		}
		return c.Finalize()
	}
	return m.factories.Register(cf.Profile, create, destroy, cf.Policy)
}

// Activate publishes the Manager's own reference under its naming
// path and runs userInit, which typically loads
// modules and creates components. userInit may be nil.
func (m *Manager) Activate(ctx context.Context, userInit func(*Manager) error) error {
	m.mu.Lock()
	m.activated = true
	m.mu.Unlock()

	// The Manager's own reference is always published under its bare
	// name, independent of naming.formats: that key governs
	// per-component paths, which have no meaning for the Manager
	// singleton itself.
	if err := m.naming.Bind(ctx, m.name, m, true); err != nil {
		m.log.Warn("publish manager reference failed", "error", err)
	}

	if userInit != nil {
		if err := userInit(m); err != nil {
			return fmt.Errorf("manager: init procedure: %w", err)
		}
	}

	m.applyPreconnects()
	return nil
}

// applyPreconnects wires every "out:in" pair listed in
// manager.components.preconnect, where each side names a port as
// "<instance_name>.<port_name>". Both components must already exist
// (the user init procedure runs first), so a miss is a config error:
// logged, never fatal.
func (m *Manager) applyPreconnects() {
	raw := m.config.Get("manager.components.preconnect")
	if raw == "" {
		return
	}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		outSpec, inSpec, ok := strings.Cut(pair, ":")
		if !ok {
			m.log.Warn("preconnect entry is not an out:in pair", "entry", pair)
			continue
		}
		outPort, err := m.lookupPort(outSpec)
		if err != nil {
			m.log.Warn("preconnect out port not found", "entry", pair, "error", err)
			continue
		}
		inPort, err := m.lookupPort(inSpec)
		if err != nil {
			m.log.Warn("preconnect in port not found", "entry", pair, "error", err)
			continue
		}
		pc, ok := outPort.(port.PeerConnector)
		if !ok {
			m.log.Warn("preconnect out side is not an output port", "entry", pair)
			continue
		}
		if err := pc.ConnectPeer(pair, port.NegotiationRequest{}, inPort); err != nil {
			m.log.Warn("preconnect failed", "entry", pair, "error", err)
			continue
		}
		m.log.Info("preconnected ports", "out", outSpec, "in", inSpec)
	}
}

// lookupPort resolves "<instance_name>.<port_name>" against the live
// component registry.
func (m *Manager) lookupPort(spec string) (rtcomp.Port, error) {
	instName, portName, ok := strings.Cut(spec, ".")
	if !ok {
		return nil, rtcerr.New(rtcerr.BadParameter, "manager.lookupPort: want <instance>.<port>, got "+spec)
	}
	comp, ok := m.Component(instName)
	if !ok {
		return nil, rtcerr.New(rtcerr.NotAvailable, "manager.lookupPort: no component "+instName)
	}
	p, ok := comp.Port(portName)
	if !ok {
		return nil, rtcerr.New(rtcerr.NotAvailable, "manager.lookupPort: no port "+portName+" on "+instName)
	}
	return p, nil
}

// formatString returns the component naming.formats string,
// defaulting to "%n" (bind each component under its bare instance
// name) when unset.
func (m *Manager) formatString() string {
	if f := m.config.Get("naming.formats"); f != "" {
		return f
	}
	return "%n"
}

// Run starts the Manager's execution contexts. block=false spawns a
// worker goroutine and returns immediately; block=true waits for
// Shutdown to complete before returning, standing in for a broker
// event loop.
func (m *Manager) Run(block bool) error {
	m.mu.Lock()
	ecs := make([]*execontext.PeriodicExecutionContext, 0, len(m.ecs))
	for _, ec := range m.ecs {
		ecs = append(ecs, ec)
	}
	m.mu.Unlock()

	for _, ec := range ecs {
		ec.Start()
	}

	if !block {
		return nil
	}
	<-m.shutdownDone
	return nil
}

// CreateComponent resolves typeName against the registered factories,
// instantiates it, assigns its instance name, runs on_initialize,
// attaches it to the default execution context, and binds it into the
// naming service. An unknown typeName logs a miss and returns
// NotAvailable.
func (m *Manager) CreateComponent(ctx context.Context, typeName string) (*rtcomp.Component, error) {
	inst, instanceName, err := m.factories.Create(m, typeName)
	if err != nil {
		m.log.Warn("create_component: unknown or failed type", "type_name", typeName, "error", err)
		return nil, err
	}
	inst.AssignInstanceName(instanceName)

	if err := inst.Initialize(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defEC := m.defaultEC
	m.components[instanceName] = inst
	m.mu.Unlock()

	if defEC != nil {
		inst.AttachContext(defEC)
	}

	path := expandNameFormat(m.formatString(), fieldValues{
		InstanceName: instanceName,
		TypeName:     typeName,
		Host:         hostname(),
		ManagerName:  m.name,
		PID:          pidString(),
	})
	if err := m.naming.Bind(ctx, path, inst, false); err != nil {
		m.log.Warn("bind component failed", "instance_name", instanceName, "error", err)
	}

	return inst, nil
}

// DeleteComponent finalizes and removes a previously created
// component, unbinding its naming-service entry and releasing its
// instance number back to the type's numbering policy.
func (m *Manager) DeleteComponent(ctx context.Context, typeName, instanceName string) error {
	m.mu.Lock()
	inst, ok := m.components[instanceName]
	if ok {
		delete(m.components, instanceName)
	}
	m.mu.Unlock()
	if !ok {
		return rtcerr.New(rtcerr.NotAvailable, "manager.DeleteComponent: unknown instance "+instanceName)
	}

	path := expandNameFormat(m.formatString(), fieldValues{
		InstanceName: instanceName,
		TypeName:     typeName,
		Host:         hostname(),
		ManagerName:  m.name,
		PID:          pidString(),
	})
	if err := m.naming.Unbind(ctx, path); err != nil {
		m.log.Warn("unbind component failed", "instance_name", instanceName, "error", err)
	}

	return m.factories.Destroy(m, typeName, instanceName, inst)
}

// Component looks up a previously created component by instance name.
func (m *Manager) Component(instanceName string) (*rtcomp.Component, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.components[instanceName]
	return c, ok
}

// Shutdown tears the Manager down exactly once: unbinds every naming
// entry, finalizes every live component, stops every execution
// context, and stops the global timer. It is idempotent and
// re-entrant: concurrent and repeated calls all observe the same
// terminal state, and the actual teardown
// always runs on its own goroutine so a caller invoking Shutdown from
// one of the Manager's own execution-context threads never joins
// itself.
func (m *Manager) Shutdown(ctx context.Context) {
	m.shutdownOnce.Do(func() {
		go m.teardown(ctx)
	})
}

// Done returns a channel closed once teardown has fully completed.
func (m *Manager) Done() <-chan struct{} { return m.shutdownDone }

func (m *Manager) teardown(ctx context.Context) {
	defer close(m.shutdownDone)

	if err := m.naming.UnbindAll(ctx); err != nil {
		m.log.Warn("unbind all failed during shutdown", "error", err)
	}

	m.mu.Lock()
	components := make([]*rtcomp.Component, 0, len(m.components))
	for _, c := range m.components {
		components = append(components, c)
	}
	ecs := make([]*execontext.PeriodicExecutionContext, 0, len(m.ecs))
	for _, ec := range m.ecs {
		ecs = append(ecs, ec)
	}
	m.mu.Unlock()

	// Deactivate any still-Active participant before tearing its
	// execution contexts down, so it sees on_deactivated before
	// on_finalize.
	for _, c := range components {
		for _, ecID := range c.ExecutionContextIDs() {
			if mach := c.Machine(ecID); mach != nil && mach.State() == lifecycle.Active {
				if err := mach.Deactivate(); err != nil {
					m.log.Warn("deactivate failed during shutdown", "instance_name", c.InstanceName(), "ec_id", ecID, "error", err)
				}
			}
		}
	}

	for _, ec := range ecs {
		ec.Destroy()
	}

	for _, c := range components {
		if c.LifeState() == lifecycle.Alive {
			if err := c.Finalize(); err != nil {
				m.log.Warn("finalize failed during shutdown", "instance_name", c.InstanceName(), "error", err)
			}
		}
	}

	if err := m.timer.Stop(); err != nil {
		m.log.Warn("stop global timer failed", "error", err)
	}
	if err := m.naming.Close(); err != nil {
		m.log.Warn("close naming backends failed", "error", err)
	}
	if m.certs != nil {
		m.certs.Close()
	}

	m.log.Info("manager shutdown complete")
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return h
}

func pidString() string {
	return strconv.Itoa(os.Getpid())
}

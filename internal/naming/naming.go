// Package naming implements the Naming Manager: binding component
// references under hierarchical name paths across every registered
// naming backend, best-effort: one backend failing is logged and does
// not fail the call as long as another succeeds. The fan-out uses
// golang.org/x/sync/errgroup rather than hand-rolled WaitGroup/channel
// plumbing. Backend is a narrow interface rather than a transport
// client: the broker's own wire format is an external collaborator.
// Update (re-pushing every known binding after a server restart) is
// deduplicated with internal/callgroup, so a manual resync racing the
// global timer's periodic one (internal/manager.New wires one every
// 30s) collapses into a single backend round trip instead of two
// redundant ones.
package naming

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"rtcd/internal/callgroup"
	"rtcd/internal/logging"
	"rtcd/internal/rtcerr"
)

// ObjectRef is whatever the Manager hands the Naming Manager to bind
// under a path. The package has no opinion about its contents.
type ObjectRef any

// Backend is one registered naming-service connection.
type Backend interface {
	Bind(ctx context.Context, path []string, ref ObjectRef, force bool) error
	Unbind(ctx context.Context, path []string) error
	Close() error
}

// BackendFactory builds a Backend for a scheme's address.
type BackendFactory func(address string) (Backend, error)

var factories = struct {
	mu sync.Mutex
	m  map[string]BackendFactory
}{m: make(map[string]BackendFactory)}

// RegisterBackendFactory installs a BackendFactory under scheme. A
// concrete transport package calls this from its own init(); the
// bundled "local" scheme (localbackend.go) registers itself this way.
func RegisterBackendFactory(scheme string, f BackendFactory) {
	factories.mu.Lock()
	defer factories.mu.Unlock()
	factories.m[scheme] = f
}

type namedBackend struct {
	scheme  string
	address string
	backend Backend
}

type bindingEntry struct {
	path []string
	ref  ObjectRef
}

// Manager fans every bind/unbind out to all registered backends and
// keeps its own record of current bindings so Update can re-push them
// after a backend restarts.
type Manager struct {
	log *slog.Logger

	mu       sync.Mutex
	backends []*namedBackend

	bindingsMu sync.Mutex
	bindings   map[string]bindingEntry

	updateGroup callgroup.Group[string]
}

// New returns an empty Manager with no registered backends.
func New(logger *slog.Logger) *Manager {
	return &Manager{
		log:      logging.Default(logger).With("component", "naming"),
		bindings: make(map[string]bindingEntry),
	}
}

const updateGroupKey = "update"

// RegisterNameServer adds a backend for scheme at address, one per
// naming.type config entry. scheme must have a BackendFactory
// registered.
func (m *Manager) RegisterNameServer(scheme, address string) error {
	factories.mu.Lock()
	f, ok := factories.m[scheme]
	factories.mu.Unlock()
	if !ok {
		return rtcerr.New(rtcerr.NotAvailable, "naming.RegisterNameServer: unknown scheme "+scheme)
	}

	backend, err := f(address)
	if err != nil {
		return rtcerr.Wrap(rtcerr.InternalError, "naming.RegisterNameServer", err)
	}

	m.mu.Lock()
	m.backends = append(m.backends, &namedBackend{scheme: scheme, address: address, backend: backend})
	m.mu.Unlock()
	return nil
}

// BackendCount returns the number of registered backends.
func (m *Manager) BackendCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.backends)
}

// Bind binds ref under namePath across every backend. A path
// already bound in the Manager's own record is rejected with
// PreconditionNotMet unless force is true.
func (m *Manager) Bind(ctx context.Context, namePath string, ref ObjectRef, force bool) error {
	path := splitPath(namePath)

	m.bindingsMu.Lock()
	_, exists := m.bindings[namePath]
	m.bindingsMu.Unlock()
	if exists && !force {
		return rtcerr.Wrap(rtcerr.PreconditionNotMet, "naming.Bind", ErrAlreadyBound)
	}

	if err := m.fanout(ctx, func(ctx context.Context, b Backend) error {
		return b.Bind(ctx, path, ref, force)
	}); err != nil {
		return err
	}

	m.bindingsMu.Lock()
	m.bindings[namePath] = bindingEntry{path: path, ref: ref}
	m.bindingsMu.Unlock()
	return nil
}

// Unbind removes namePath from every backend and from the Manager's
// own record.
func (m *Manager) Unbind(ctx context.Context, namePath string) error {
	path := splitPath(namePath)
	if err := m.fanout(ctx, func(ctx context.Context, b Backend) error {
		return b.Unbind(ctx, path)
	}); err != nil {
		return err
	}
	m.bindingsMu.Lock()
	delete(m.bindings, namePath)
	m.bindingsMu.Unlock()
	return nil
}

// UnbindAll removes every binding the Manager knows about, the first
// stage of shutdown. It keeps going after an individual Unbind failure
// so the rest of the bindings still get a chance to clear, returning
// the first error encountered.
func (m *Manager) UnbindAll(ctx context.Context) error {
	m.bindingsMu.Lock()
	paths := make([]string, 0, len(m.bindings))
	for p := range m.bindings {
		paths = append(paths, p)
	}
	m.bindingsMu.Unlock()

	var firstErr error
	for _, p := range paths {
		if err := m.Unbind(ctx, p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Update re-pushes every known binding to every backend with force,
// used to resynchronize a backend that restarted.
// Concurrent callers racing on the same Manager (the globaltimer's
// periodic tick and a manually triggered resync) collapse into a
// single in-flight run via internal/callgroup; the trailing caller
// observes the leader's result instead of repeating the backend
// round trip.
func (m *Manager) Update(ctx context.Context) error {
	return m.updateGroup.Do(updateGroupKey, func() error {
		return m.doUpdate(ctx)
	})
}

func (m *Manager) doUpdate(ctx context.Context) error {
	m.bindingsMu.Lock()
	entries := make([]bindingEntry, 0, len(m.bindings))
	for _, e := range m.bindings {
		entries = append(entries, e)
	}
	m.bindingsMu.Unlock()

	for _, e := range entries {
		if err := m.fanout(ctx, func(ctx context.Context, b Backend) error {
			return b.Bind(ctx, e.path, e.ref, true)
		}); err != nil {
			return err
		}
	}
	return nil
}

// Resolve looks up a previously bound object from the Manager's own
// record, without round-tripping through a backend; concrete broker
// backends have no symmetrical client-side lookup in this package. It
// is the local convenience used by tests and same-process callers.
func (m *Manager) Resolve(namePath string) (ObjectRef, bool) {
	m.bindingsMu.Lock()
	defer m.bindingsMu.Unlock()
	e, ok := m.bindings[namePath]
	if !ok {
		return nil, false
	}
	return e.ref, true
}

// Close releases every registered backend.
func (m *Manager) Close() error {
	m.mu.Lock()
	backends := m.backends
	m.backends = nil
	m.mu.Unlock()

	var firstErr error
	for _, nb := range backends {
		if err := nb.backend.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// fanout runs op against every backend concurrently, logging
// individual failures. It only returns NotAvailable if every backend
// failed, or if none are registered at all.
func (m *Manager) fanout(ctx context.Context, op func(context.Context, Backend) error) error {
	m.mu.Lock()
	backends := append([]*namedBackend(nil), m.backends...)
	m.mu.Unlock()

	if len(backends) == 0 {
		return rtcerr.New(rtcerr.NotAvailable, "naming: no backends registered")
	}

	var (
		mu    sync.Mutex
		fails int
	)
	g, gctx := errgroup.WithContext(ctx)
	for _, nb := range backends {
		nb := nb
		g.Go(func() error {
			if err := op(gctx, nb.backend); err != nil {
				m.log.Warn("naming backend operation failed",
					"scheme", nb.scheme, "address", nb.address, "error", err)
				mu.Lock()
				fails++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	if fails == len(backends) {
		return rtcerr.New(rtcerr.NotAvailable, "naming: all backends failed")
	}
	return nil
}

func splitPath(p string) []string {
	return strings.Split(strings.Trim(p, "/"), "/")
}

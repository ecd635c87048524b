// Package modloader implements the module loader: loading a shared
// object from a configured search path and invoking its exported init
// symbol so it can register component factories with the Manager.
// Dynamic .so loading is inherently a plugin-package concern; nothing
// in the ecosystem substitutes for it.
package modloader

import (
	"log/slog"
	"os"
	"path/filepath"
	"plugin"
	"strings"
	"sync"

	"rtcd/internal/logging"
	"rtcd/internal/rtcerr"
)

// InitFunc is the signature a module's exported "<ModuleName>Init"
// symbol must implement. mgr is passed through opaquely; a module
// type-asserts it to whatever interface its factories need (normally
// *manager.Manager) to call RegisterFactory.
type InitFunc func(mgr any) error

// Loader loads .so modules from a search path and tracks which ones
// are still referenced, so Unload can refuse to drop a module with
// live component instances.
type Loader struct {
	log        *slog.Logger
	searchPath []string

	mu     sync.Mutex
	loaded map[string]*plugin.Plugin
	refs   map[string]int
}

// New returns a Loader searching searchPath in order, the parsed
// manager.modules.load_path entries.
func New(searchPath []string, logger *slog.Logger) *Loader {
	return &Loader{
		log:        logging.Default(logger).With("component", "modloader"),
		searchPath: searchPath,
		loaded:     make(map[string]*plugin.Plugin),
		refs:       make(map[string]int),
	}
}

// Load resolves name against the search path, opens the .so, and
// calls its "<ModuleName>Init" exported symbol with mgr. Loading an
// already-loaded name is a no-op.
func (l *Loader) Load(name string, mgr any) error {
	l.mu.Lock()
	if _, ok := l.loaded[name]; ok {
		l.mu.Unlock()
		return nil
	}
	l.mu.Unlock()

	path, err := l.resolve(name)
	if err != nil {
		return err
	}

	p, err := plugin.Open(path)
	if err != nil {
		return rtcerr.Wrap(rtcerr.NotAvailable, "modloader.Load: open "+path, err)
	}

	symbolName := moduleName(name) + "Init"
	sym, err := p.Lookup(symbolName)
	if err != nil {
		return rtcerr.Wrap(rtcerr.NotAvailable, "modloader.Load: missing symbol "+symbolName, err)
	}

	initFn, ok := sym.(func(any) error)
	if !ok {
		return rtcerr.New(rtcerr.InternalError, "modloader.Load: "+symbolName+" has an unexpected signature")
	}

	if err := initFn(mgr); err != nil {
		return rtcerr.Wrap(rtcerr.InternalError, "modloader.Load: "+symbolName, err)
	}

	l.mu.Lock()
	l.loaded[name] = p
	l.refs[name] = 0
	l.mu.Unlock()

	l.log.Info("module loaded", "name", name, "path", path)
	return nil
}

// IncRef records one more live instance created by name's factories.
func (l *Loader) IncRef(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.refs[name]++
}

// DecRef releases one live instance created by name's factories.
func (l *Loader) DecRef(name string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.refs[name] > 0 {
		l.refs[name]--
	}
}

// Unload marks name as unloaded, refusing while any instance it
// created is still alive. Go's plugin package never actually unmaps a
// loaded .so; Unload's effect is logical bookkeeping only, so a module
// can be reloaded under a new name but not truly evicted from the
// process.
func (l *Loader) Unload(name string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.loaded[name]; !ok {
		return rtcerr.New(rtcerr.NotAvailable, "modloader.Unload: not loaded: "+name)
	}
	if l.refs[name] > 0 {
		return rtcerr.New(rtcerr.PreconditionNotMet, "modloader.Unload: instances still alive")
	}
	delete(l.loaded, name)
	delete(l.refs, name)
	return nil
}

// Loaded reports whether name is currently loaded.
func (l *Loader) Loaded(name string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.loaded[name]
	return ok
}

func (l *Loader) resolve(name string) (string, error) {
	fileName := name
	if !strings.HasSuffix(fileName, ".so") {
		fileName += ".so"
	}
	for _, dir := range l.searchPath {
		candidate := filepath.Join(dir, fileName)
		if fileExists(candidate) {
			return candidate, nil
		}
	}
	return "", rtcerr.New(rtcerr.NotAvailable, "modloader: module not found in search path: "+name)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

func moduleName(name string) string {
	base := filepath.Base(name)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

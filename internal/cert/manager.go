// Package cert loads the client TLS certificates naming backends
// present when dialing "+tls" schemes. Certificates are read from PEM
// files on disk and reloaded automatically when those files change, so
// a rotated certificate is picked up without restarting the Manager.
package cert

import (
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"rtcd/internal/logging"
)

// CertSource names the PEM files one certificate is loaded from.
type CertSource struct {
	CertFile, KeyFile string
}

// Config holds Manager configuration.
type Config struct {
	Logger *slog.Logger
}

// Manager loads and holds client certificate/key pairs, identified by
// name (e.g. "naming"). Safe for concurrent use; a certificate is
// reloaded when either of its files changes.
type Manager struct {
	logger *slog.Logger

	mu      sync.RWMutex
	certs   map[string]*certEntry
	sources map[string]CertSource

	watcher     *fsnotify.Watcher
	watcherStop chan struct{}
}

// certEntry holds a loaded cert behind an atomic pointer so the
// watcher can swap it without readers taking a lock.
type certEntry struct {
	cert atomic.Pointer[tls.Certificate]
}

// New creates a Manager with no certificates loaded.
func New(cfg Config) *Manager {
	return &Manager{
		logger: logging.Default(cfg.Logger).With("component", "cert"),
		certs:  make(map[string]*certEntry),
	}
}

// Load replaces all certificates with the given sources, reading each
// pair from disk and watching the files for changes. A source that
// fails to load fails the whole call: a configured client certificate
// that cannot be read is a startup error, not something to limp past.
func (m *Manager) Load(sources map[string]CertSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.stopWatcherLocked()
	m.certs = make(map[string]*certEntry)
	m.sources = make(map[string]CertSource)

	for name, src := range sources {
		cert, err := tls.LoadX509KeyPair(src.CertFile, src.KeyFile)
		if err != nil {
			return fmt.Errorf("load cert %q: %w", name, err)
		}
		entry := &certEntry{}
		entry.cert.Store(&cert)
		m.certs[name] = entry
		m.sources[name] = src
	}

	if len(m.sources) > 0 {
		m.startWatcherLocked()
	}
	return nil
}

// Certificate returns the current certificate for name, or nil if
// name was never loaded.
func (m *Manager) Certificate(name string) *tls.Certificate {
	m.mu.RLock()
	entry, ok := m.certs[name]
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return entry.cert.Load()
}

// Close stops the file watcher. Loaded certificates remain readable.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopWatcherLocked()
}

// stopWatcherLocked stops the file watcher. Caller holds m.mu.
func (m *Manager) stopWatcherLocked() {
	if m.watcherStop != nil {
		close(m.watcherStop)
		m.watcherStop = nil
	}
	if m.watcher != nil {
		m.watcher.Close()
		m.watcher = nil
	}
}

// startWatcherLocked watches every source's files and reloads the
// owning certificate on change. Caller holds m.mu.
func (m *Manager) startWatcherLocked() {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Warn("fsnotify start failed", "error", err)
		return
	}
	m.watcher = watcher
	m.watcherStop = make(chan struct{})

	pathToName := make(map[string]string)
	for name, src := range m.sources {
		pathToName[src.CertFile] = name
		pathToName[src.KeyFile] = name
		if err := watcher.Add(src.CertFile); err != nil {
			m.logger.Warn("watch cert file", "file", src.CertFile, "error", err)
		}
		if err := watcher.Add(src.KeyFile); err != nil {
			m.logger.Warn("watch key file", "file", src.KeyFile, "error", err)
		}
	}

	stop := m.watcherStop
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-stop:
				return
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				m.logger.Warn("watcher error", "error", err)
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				if name, ok := pathToName[ev.Name]; ok {
					m.reload(name)
				}
			}
		}
	}()
}

// reload re-reads one certificate's files; called from the watcher
// goroutine. A cert and key rotated one file at a time produce a
// transient mismatch on the first event, which is logged and retried
// by the second file's own event.
func (m *Manager) reload(name string) {
	m.mu.RLock()
	src, srcOK := m.sources[name]
	entry, entryOK := m.certs[name]
	m.mu.RUnlock()
	if !srcOK || !entryOK {
		return
	}

	cert, err := tls.LoadX509KeyPair(src.CertFile, src.KeyFile)
	if err != nil {
		m.logger.Warn("reload cert failed", "name", name, "error", err)
		return
	}
	entry.cert.Store(&cert)
	m.logger.Info("certificate reloaded", "name", name)
}

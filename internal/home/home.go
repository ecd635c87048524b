// Package home manages the Manager's home directory layout.
//
// The home directory owns the process's persistent state: the bootstrap
// configuration file, the default module search path, and log output.
//
// Layout:
//
//	<root>/
//	  rtc.conf      (Manager configuration, key/value format)
//	  modules/      (default manager.modules.load_path entry)
//	  log/          (default logger.file_name directory)
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dir represents a Manager home directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir using the platform-appropriate default location:
//   - Linux:   ~/.config/rtcd
//   - macOS:   ~/Library/Application Support/rtcd
//   - Windows: %APPDATA%/rtcd
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "rtcd")}, nil
}

// Root returns the home directory path.
func (d Dir) Root() string {
	return d.root
}

// ConfigPath returns the path to the Manager's bootstrap configuration file.
func (d Dir) ConfigPath() string {
	return filepath.Join(d.root, "rtc.conf")
}

// ModulesDir returns the default module search directory.
func (d Dir) ModulesDir() string {
	return filepath.Join(d.root, "modules")
}

// LogDir returns the default directory for log output.
func (d Dir) LogDir() string {
	return filepath.Join(d.root, "log")
}

// EnsureExists creates the home directory (and parents) if it doesn't exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.root, 0o750); err != nil {
		return fmt.Errorf("create home directory %s: %w", d.root, err)
	}
	return nil
}

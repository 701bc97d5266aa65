// Package home resolves the broker's home directory layout.
//
// The home directory owns all of the broker's on-disk state, which is
// just its configuration: everything else (pools, ports, the registry) is
// in-memory and dies with the broker process per spec §6's "Persisted
// state: none".
//
// Layout:
//
//	<root>/
//	  config.json   (MePooConfig + tuning, internal/config)
//	  ctl/          (control-channel Unix domain sockets, one per broker run)
package home

import (
	"fmt"
	"os"
	"path/filepath"
)

// Dir represents a shmbus home directory.
type Dir struct {
	root string
}

// New creates a Dir with an explicit root path.
func New(root string) Dir {
	return Dir{root: root}
}

// Default returns a Dir using the platform-appropriate default location:
//   - Linux:   ~/.config/shmbus
//   - macOS:   ~/Library/Application Support/shmbus
//   - Windows: %APPDATA%/shmbus
func Default() (Dir, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return Dir{}, fmt.Errorf("determine config directory: %w", err)
	}
	return Dir{root: filepath.Join(base, "shmbus")}, nil
}

// Root returns the home directory path.
func (d Dir) Root() string {
	return d.root
}

// ConfigPath returns the path to the broker's config file.
func (d Dir) ConfigPath() string {
	return filepath.Join(d.root, "config.json")
}

// SocketDir returns the directory the control channel's Unix domain
// sockets are created in.
func (d Dir) SocketDir() string {
	return filepath.Join(d.root, "ctl")
}

// BrokerSocketPath returns the path of the broker's well-known request
// socket, the one a client dials to send REG_APP (spec §6 step 1).
func (d Dir) BrokerSocketPath() string {
	return filepath.Join(d.SocketDir(), "broker.sock")
}

// EnsureExists creates the home directory and its socket directory (and
// parents) if they don't exist.
func (d Dir) EnsureExists() error {
	if err := os.MkdirAll(d.SocketDir(), 0o750); err != nil {
		return fmt.Errorf("create home directory %s: %w", d.root, err)
	}
	return nil
}

package config

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"

	"shmbus/internal/logging"
)

// Manager owns the broker's configuration: fixed pool geometry read once
// at startup, and a hot-reloadable Tunables snapshot watched for changes
// on disk, following the teacher's cert.Manager fsnotify-watcher pattern
// (atomic.Pointer swap on reload, a stop channel to tear the watcher
// down).
type Manager struct {
	store  *Store
	logger *slog.Logger

	accessGroups []AccessGroupConfig // immutable after NewManager

	tunables atomic.Pointer[Tunables]

	mu      sync.Mutex
	watcher *fsnotify.Watcher
	stop    chan struct{}
}

// NewManager loads the config at store's path and builds a Manager. The
// file must already exist and parse; use Store.Save to bootstrap one.
func NewManager(store *Store, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = logging.Discard()
	}
	cfg, err := store.Load()
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return nil, fmt.Errorf("config: no config file at %s", store.Path())
	}
	m := &Manager{
		store:        store,
		logger:       logger.With("component", "config"),
		accessGroups: cfg.AccessGroups,
	}
	t := cfg.Tunables()
	m.tunables.Store(&t)
	return m, nil
}

// AccessGroups returns the pool geometry fixed at construction. It never
// changes for the lifetime of a Manager, per the "no dynamic pool growth"
// non-goal.
func (m *Manager) AccessGroups() []AccessGroupConfig {
	return m.accessGroups
}

// Tunables returns the current hot-reloadable knobs.
func (m *Manager) Tunables() Tunables {
	return *m.tunables.Load()
}

// Watch starts watching the backing config file for writes, reloading
// Tunables on each one. Pool geometry changes in the file are detected
// and logged but never applied — reloading those would require tearing
// down and rebuilding every segment, which is out of scope.
func (m *Manager) Watch() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watcher != nil {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: start watcher: %w", err)
	}
	if err := watcher.Add(m.store.Path()); err != nil {
		watcher.Close()
		return fmt.Errorf("config: watch %s: %w", m.store.Path(), err)
	}

	m.watcher = watcher
	m.stop = make(chan struct{})

	go m.watchLoop(watcher, m.stop)
	return nil
}

func (m *Manager) watchLoop(watcher *fsnotify.Watcher, stop chan struct{}) {
	defer watcher.Close()
	for {
		select {
		case <-stop:
			return
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn("config watcher error", "error", err)
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			m.reload()
		}
	}
}

func (m *Manager) reload() {
	cfg, err := m.store.Load()
	if err != nil {
		m.logger.Warn("config reload failed", "error", err)
		return
	}
	if cfg == nil {
		m.logger.Warn("config reload: file disappeared, keeping previous tunables")
		return
	}
	if !sameAccessGroups(m.accessGroups, cfg.AccessGroups) {
		m.logger.Warn("config reload: pool geometry changed on disk, ignoring (requires restart)")
	}
	t := cfg.Tunables()
	m.tunables.Store(&t)
	m.logger.Info("config tunables reloaded")
}

// Close stops the file watcher, if running.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		close(m.stop)
		m.stop = nil
	}
	m.watcher = nil
	return nil
}

package config

import (
	"path/filepath"
	"testing"
	"time"
)

func baseConfig() Config {
	return Config{
		AccessGroups: []AccessGroupConfig{
			{Name: "default", Pools: []PoolSpec{{Size: 64, Count: 16}}},
		},
		DiscoveryIntervalMs:  100,
		KeepAliveThresholdMs: 500,
		PortPoolCapacity:     32,
		MaxPublishers:        4,
		MaxSubscribers:       8,
	}
}

func TestNewManagerRequiresExistingConfig(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "missing.json"))
	if _, err := NewManager(s, nil); err == nil {
		t.Fatal("expected error building a Manager with no backing config file")
	}
}

func TestManagerExposesAccessGroupsAndTunables(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shmbus.json")
	s := NewStore(path)
	cfg := baseConfig()
	if err := s.Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	m, err := NewManager(s, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	if !sameAccessGroups(m.AccessGroups(), cfg.AccessGroups) {
		t.Fatalf("AccessGroups() = %+v, want %+v", m.AccessGroups(), cfg.AccessGroups)
	}
	tun := m.Tunables()
	if tun.MaxPublishers != 4 || tun.DiscoveryInterval != 100*time.Millisecond {
		t.Fatalf("Tunables() = %+v, unexpected", tun)
	}
}

func TestManagerWatchReloadsTunablesOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shmbus.json")
	s := NewStore(path)
	cfg := baseConfig()
	if err := s.Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	m, err := NewManager(s, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()
	if err := m.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}

	updated := cfg
	updated.MaxPublishers = 40
	if err := s.Save(updated); err != nil {
		t.Fatalf("Save updated: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Tunables().MaxPublishers == 40 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("Tunables().MaxPublishers = %d, want 40 after reload", m.Tunables().MaxPublishers)
}

func TestManagerWatchIgnoresPoolGeometryChange(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shmbus.json")
	s := NewStore(path)
	cfg := baseConfig()
	if err := s.Save(cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}

	m, err := NewManager(s, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	defer m.Close()
	if err := m.Watch(); err != nil {
		t.Fatalf("Watch: %v", err)
	}
	original := m.AccessGroups()

	changed := cfg
	changed.AccessGroups = []AccessGroupConfig{{Name: "default", Pools: []PoolSpec{{Size: 128, Count: 4}}}}
	changed.MaxPublishers = 99
	if err := s.Save(changed); err != nil {
		t.Fatalf("Save changed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Tunables().MaxPublishers == 99 {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if !sameAccessGroups(m.AccessGroups(), original) {
		t.Fatalf("AccessGroups() changed after reload: got %+v, want unchanged %+v", m.AccessGroups(), original)
	}
}

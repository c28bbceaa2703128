package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

const testPeer = "12D3KooWDpJ7As7BWAwRMfu1VU2WCqNjvq387JEYKDBj4kx6nXTN"

func TestDefault(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default config does not validate: %v", err)
	}
	if cfg.Audit.LogDownloadTimeout != 30*time.Second {
		t.Errorf("LogDownloadTimeout = %v", cfg.Audit.LogDownloadTimeout)
	}
	if cfg.Audit.AuditIntervalMillis != 60000 {
		t.Errorf("AuditIntervalMillis = %d", cfg.Audit.AuditIntervalMillis)
	}
	if !cfg.Audit.ReplayEnabled {
		t.Error("Replay should be enabled by default")
	}
	if filepath.Base(DefaultPath()) != "witness.yaml" {
		t.Errorf("DefaultPath() = %s", DefaultPath())
	}
}

func TestLoadMissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Network.MaxConns != Default().Network.MaxConns {
		t.Error("Expected defaults for a missing file")
	}
}

func TestLoadPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "witness.yaml")
	data := `
audit:
  log_download_timeout: 5s
  replay_enabled: false
peers:
  witnessed:
    - ` + testPeer + `
`
	if err := os.WriteFile(path, []byte(data), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Audit.LogDownloadTimeout != 5*time.Second {
		t.Errorf("LogDownloadTimeout = %v, want 5s", cfg.Audit.LogDownloadTimeout)
	}
	if cfg.Audit.ReplayEnabled {
		t.Error("replay_enabled: false was ignored")
	}
	if cfg.Audit.AuditIntervalMillis != 60000 {
		t.Errorf("Unset keys must keep defaults, got %d", cfg.Audit.AuditIntervalMillis)
	}
	if len(cfg.Peers.Witnessed) != 1 {
		t.Fatalf("Witnessed = %v", cfg.Peers.Witnessed)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate failed: %v", err)
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "witness.yaml")
	cfg := Default()
	cfg.Audit.ProgressInterval = 750 * time.Millisecond
	cfg.Metrics.ListenAddr = "127.0.0.1:9464"
	cfg.Peers.Witnessed = []string{"/ip4/10.0.0.1/tcp/4101/p2p/" + testPeer}

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if loaded.Audit.ProgressInterval != 750*time.Millisecond {
		t.Errorf("ProgressInterval = %v", loaded.Audit.ProgressInterval)
	}
	if loaded.Metrics.ListenAddr != cfg.Metrics.ListenAddr {
		t.Errorf("ListenAddr = %q", loaded.Metrics.ListenAddr)
	}

	info, err := ParseWitnessed(loaded.Peers.Witnessed[0])
	if err != nil {
		t.Fatalf("ParseWitnessed failed: %v", err)
	}
	if info.ID.String() != testPeer || len(info.Addrs) != 1 {
		t.Errorf("ParseWitnessed = %v", info)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{"no listen", func(c *Config) { c.Network.Listen = nil }, ErrNoListenAddrs},
		{"bad listen", func(c *Config) { c.Network.Listen = []string{"tcp:4101"} }, nil},
		{"no storage", func(c *Config) { c.Storage.Path = "" }, ErrNoStoragePath},
		{"zero timeout", func(c *Config) { c.Audit.LogDownloadTimeout = 0 }, ErrInvalidTimeout},
		{"zero interval", func(c *Config) { c.Audit.AuditIntervalMillis = 0 }, ErrInvalidTimeout},
		{"no workers", func(c *Config) { c.Audit.ReplayWorkers = 0 }, nil},
		{"bad witnessed", func(c *Config) { c.Peers.Witnessed = []string{"nobody"} }, nil},
		{"bootstrap without id", func(c *Config) { c.Network.Bootstrap = []string{"/ip4/1.2.3.4/tcp/4101"} }, nil},
	}

	for _, tt := range tests {
		cfg := Default()
		tt.mutate(cfg)
		err := cfg.Validate()
		if err == nil {
			t.Errorf("%s: expected an error", tt.name)
			continue
		}
		if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
			t.Errorf("%s: error = %v, want %v", tt.name, err, tt.wantErr)
		}
	}
}

// Package config provides configuration management for the witness daemon.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	"github.com/multiformats/go-multiaddr"
	"gopkg.in/yaml.v3"
)

// Config represents the witness configuration.
type Config struct {
	Network NetworkConfig `yaml:"network"`
	Storage StorageConfig `yaml:"storage"`
	Peers   PeersConfig   `yaml:"peers"`
	Audit   AuditConfig   `yaml:"audit"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// NetworkConfig contains network-related settings.
type NetworkConfig struct {
	Listen    []string `yaml:"listen"`
	Bootstrap []string `yaml:"bootstrap"`
	MaxConns  int      `yaml:"max_connections"`
	// EnableMDNS connects to witnesses on the local network.
	EnableMDNS bool `yaml:"enable_mdns"`
}

// StorageConfig contains storage-related settings.
type StorageConfig struct {
	// Path is the directory holding the key and the sqlite databases.
	Path string `yaml:"path"`
}

// PeersConfig contains the peer registry settings.
type PeersConfig struct {
	StrictMode   bool     `yaml:"strict_mode"`
	TrustedPeers []string `yaml:"trusted_peers"`
	// Witnessed lists the subjects this node audits, as peer IDs or
	// multiaddrs ending in /p2p/<id>.
	Witnessed []string `yaml:"witnessed"`
}

// AuditConfig contains the audit engine settings.
type AuditConfig struct {
	LogDownloadTimeout      time.Duration `yaml:"log_download_timeout"`
	AuditIntervalMillis     int64         `yaml:"audit_interval_millis"`
	ReplayEnabled           bool          `yaml:"replay_enabled"`
	AuthCacheIntervalMillis int64         `yaml:"auth_cache_interval_millis"`
	ProgressInterval        time.Duration `yaml:"progress_interval"`
	InvestigationInterval   time.Duration `yaml:"investigation_interval"`
	ReplayWorkers           int           `yaml:"replay_workers"`
	ReplayTimeout           time.Duration `yaml:"replay_timeout"`
	// ReplayModule is an optional WASM state machine. Without one every
	// replay agrees.
	ReplayModule string `yaml:"replay_module"`
	// ChallengeRate is the number of challenges accepted per second per peer.
	ChallengeRate float64 `yaml:"challenge_rate"`
}

// MetricsConfig contains the Prometheus endpoint settings.
type MetricsConfig struct {
	// ListenAddr enables the metrics endpoint when set, e.g. "127.0.0.1:9464".
	ListenAddr string `yaml:"listen_addr"`
}

// Errors
var (
	ErrNoListenAddrs  = errors.New("at least one listen address is required")
	ErrNoStoragePath  = errors.New("storage path is required")
	ErrInvalidTimeout = errors.New("timeouts and intervals must be positive")
)

// Default returns a default configuration.
func Default() *Config {
	homeDir, _ := os.UserHomeDir()
	dataPath := filepath.Join(homeDir, ".spacedatanetwork", "witness")

	return &Config{
		Network: NetworkConfig{
			Listen: []string{
				"/ip4/0.0.0.0/tcp/4101",
			},
			Bootstrap: []string{},
			MaxConns:  400,
		},
		Storage: StorageConfig{
			Path: dataPath,
		},
		Peers: PeersConfig{
			TrustedPeers: []string{},
			Witnessed:    []string{},
		},
		Audit: AuditConfig{
			LogDownloadTimeout:      30 * time.Second,
			AuditIntervalMillis:     60000,
			ReplayEnabled:           true,
			AuthCacheIntervalMillis: 500000,
			ProgressInterval:        5 * time.Second,
			InvestigationInterval:   10 * time.Second,
			ReplayWorkers:           2,
			ReplayTimeout:           2 * time.Minute,
			ChallengeRate:           5,
		},
	}
}

// DefaultPath returns the default configuration file path.
func DefaultPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".spacedatanetwork", "witness.yaml")
}

// Load loads the configuration from a file. Settings missing from the file
// keep their defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// Return default config if file doesn't exist
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	return cfg, nil
}

// Save saves the configuration to a file.
func Save(path string, cfg *Config) error {
	if path == "" {
		path = DefaultPath()
	}

	// Ensure directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	return os.WriteFile(path, data, 0644)
}

// Validate checks the configuration for settings the daemon cannot run with.
func (c *Config) Validate() error {
	if len(c.Network.Listen) == 0 {
		return ErrNoListenAddrs
	}
	for _, addr := range c.Network.Listen {
		if _, err := multiaddr.NewMultiaddr(addr); err != nil {
			return fmt.Errorf("invalid listen address %s: %w", addr, err)
		}
	}
	for _, addr := range c.Network.Bootstrap {
		if _, err := peer.AddrInfoFromString(addr); err != nil {
			return fmt.Errorf("invalid bootstrap address %s: %w", addr, err)
		}
	}
	if c.Storage.Path == "" {
		return ErrNoStoragePath
	}
	for _, addr := range c.Peers.TrustedPeers {
		if _, err := peer.AddrInfoFromString(addr); err != nil {
			return fmt.Errorf("invalid trusted peer %s: %w", addr, err)
		}
	}
	for _, s := range c.Peers.Witnessed {
		if _, err := ParseWitnessed(s); err != nil {
			return fmt.Errorf("invalid witnessed subject %s: %w", s, err)
		}
	}

	a := c.Audit
	if a.LogDownloadTimeout <= 0 || a.AuditIntervalMillis <= 0 || a.ProgressInterval <= 0 ||
		a.InvestigationInterval <= 0 || a.ReplayTimeout <= 0 {
		return ErrInvalidTimeout
	}
	if a.AuthCacheIntervalMillis < 0 {
		return fmt.Errorf("auth_cache_interval_millis must not be negative")
	}
	if a.ReplayWorkers < 1 {
		return fmt.Errorf("replay_workers must be at least 1")
	}
	if a.ChallengeRate <= 0 {
		return fmt.Errorf("challenge_rate must be positive")
	}
	return nil
}

// ParseWitnessed accepts a bare peer ID or a multiaddr ending in /p2p/<id>.
func ParseWitnessed(s string) (peer.AddrInfo, error) {
	if id, err := peer.Decode(s); err == nil {
		return peer.AddrInfo{ID: id}, nil
	}
	info, err := peer.AddrInfoFromString(s)
	if err != nil {
		return peer.AddrInfo{}, err
	}
	return *info, nil
}

// Package config loads the daemon's YAML configuration file: the file
// is read over a struct pre-populated with DefaultConfig, and a missing
// file is created with defaults on first run. CLI flags (applied by
// cmd/coinshiftd after LoadConfig returns) take precedence over the
// file, which takes precedence over these defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/coinshift/coinshift/pkg/secureconfig"
)

// NetworkType selects which base58check version bytes sidechain
// addresses use (internal/l2addr) and which default data subdirectory
// a deployment lives in.
type NetworkType string

const (
	NetworkMainnet NetworkType = "mainnet"
	NetworkTestnet NetworkType = "testnet"
	NetworkRegtest NetworkType = "regtest"
)

// ParentChainConfig configures one L1 RPC endpoint a swap can settle
// against. Password is stored encrypted at rest (pkg/secureconfig) so
// config.yaml never holds a plaintext RPC credential.
type ParentChainConfig struct {
	// URL is the JSON-RPC endpoint, e.g. "http://127.0.0.1:8332".
	URL string `yaml:"url"`
	// User is the RPC basic-auth username.
	User string `yaml:"user"`
	// Password is the RPC basic-auth password, encrypted at rest.
	// Nil means no password is configured (e.g. a cookie-auth regtest node).
	Password *secureconfig.EncryptedSecret `yaml:"password,omitempty"`
	// TimeoutSeconds bounds every RPC call made to this endpoint, keeping
	// the write transaction the observer runs inside short-lived. 0 uses
	// internal/l1rpc's default.
	TimeoutSeconds int `yaml:"timeout_seconds"`
	// Observe gates whether this chain's swaps are queried on a
	// sidechain mainchain-tip advance. It is not a polling toggle —
	// the scheduler stays edge-triggered regardless — it only controls
	// whether this particular parent chain participates.
	Observe bool `yaml:"observe"`
}

// SetPassword encrypts plaintext under passphrase and stores the result.
func (pc *ParentChainConfig) SetPassword(plaintext, passphrase string) error {
	enc, err := secureconfig.Encrypt(plaintext, passphrase)
	if err != nil {
		return fmt.Errorf("config: encrypt parent chain password: %w", err)
	}
	pc.Password = enc
	return nil
}

// DecryptPassword recovers the plaintext password, or "" if none is set.
func (pc *ParentChainConfig) DecryptPassword(passphrase string) (string, error) {
	if pc.Password == nil {
		return "", nil
	}
	return secureconfig.Decrypt(pc.Password, passphrase)
}

// StorageConfig holds on-disk layout settings.
type StorageConfig struct {
	// DataDir is the directory holding the sqlite database (internal/kvstore).
	DataDir string `yaml:"data_dir"`
}

// RPCConfig holds the JSON-RPC/websocket/metrics listener settings.
type RPCConfig struct {
	// ListenAddr is the JSON-RPC/websocket HTTP bind address.
	ListenAddr string `yaml:"listen_addr"`
	// MetricsListenAddr is the Prometheus /metrics bind address.
	MetricsListenAddr string `yaml:"metrics_listen_addr"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the log level (debug, info, warn, error).
	Level string `yaml:"level"`
}

// Config is the full daemon configuration.
type Config struct {
	NetworkType NetworkType `yaml:"network_type"`

	Storage StorageConfig `yaml:"storage"`
	RPC     RPCConfig     `yaml:"rpc"`
	Logging LoggingConfig `yaml:"logging"`

	// ParentChains is keyed by ticker (BTC, BCH, LTC, Signet, Regtest).
	ParentChains map[string]*ParentChainConfig `yaml:"parent_chains,omitempty"`
}

// IsTestnet reports whether the configured network is testnet.
func (c *Config) IsTestnet() bool { return c.NetworkType == NetworkTestnet }

// IsRegtest reports whether the configured network is regtest.
func (c *Config) IsRegtest() bool { return c.NetworkType == NetworkRegtest }

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		NetworkType: NetworkMainnet,
		Storage: StorageConfig{
			DataDir: "~/.coinshift",
		},
		RPC: RPCConfig{
			ListenAddr:        "127.0.0.1:8645",
			MetricsListenAddr: "127.0.0.1:8646",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		ParentChains: map[string]*ParentChainConfig{
			"BTC": {URL: "http://127.0.0.1:8332", Observe: true, TimeoutSeconds: 10},
		},
	}
}

// ConfigFileName is the default config file name.
const ConfigFileName = "config.yaml"

// LoadConfig loads configuration from dataDir/config.yaml, creating the
// file with default values if it doesn't yet exist.
func LoadConfig(dataDir string) (*Config, error) {
	path := ConfigPath(dataDir)

	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.Storage.DataDir = dataDir
		if err := cfg.Save(path); err != nil {
			return nil, fmt.Errorf("config: create default config: %w", err)
		}
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse config file: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to path as YAML, creating parent
// directories as needed.
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("config: create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal config: %w", err)
	}

	header := []byte("# Coinshift node configuration\n# Generated automatically on first run\n\n")
	data = append(header, data...)

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("config: write config file: %w", err)
	}

	return nil
}

// ConfigPath returns the full path to the config file for dataDir.
func ConfigPath(dataDir string) string {
	return filepath.Join(expandPath(dataDir), ConfigFileName)
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string { return expandPath(path) }

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[1:])
	}
	return path
}

package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "megagram"
	// DefaultNetworkID is used when no network has been selected.
	DefaultNetworkID = "base-sepolia"
	// DefaultPageSize is how many recent messages a sync publishes.
	DefaultPageSize = 25
	// DefaultPollIntervalSeconds is the background sync period used by serve.
	DefaultPollIntervalSeconds = 15
	// DefaultFeedAddress is where serve exposes the websocket feed.
	DefaultFeedAddress = "127.0.0.1:7447"
	// KVBackendSQLite keeps secrets and caches in the local SQLite database.
	KVBackendSQLite = "sqlite"
	// KVBackendRedis keeps secrets and caches in a Redis instance.
	KVBackendRedis = "redis"
	// configFileName is the persisted configuration file.
	configFileName = "config.json"
)

// Network describes one supported chain deployment of the chat contract.
type Network struct {
	ID          string
	Name        string
	ChainID     int64
	RPCURL      string
	ExplorerURL string
}

// Networks lists the chains the client knows how to talk to.
var Networks = []Network{
	{
		ID:          "megaeth",
		Name:        "MegaETH Testnet",
		ChainID:     6342,
		RPCURL:      "https://carrot.megaeth.com/rpc",
		ExplorerURL: "https://www.megaexplorer.xyz",
	},
	{
		ID:          "base-sepolia",
		Name:        "Base Sepolia",
		ChainID:     84532,
		RPCURL:      "https://sepolia.base.org",
		ExplorerURL: "https://sepolia.basescan.org",
	},
}

// LookupNetwork returns the network with the given ID.
func LookupNetwork(id string) (Network, bool) {
	for _, n := range Networks {
		if n.ID == id {
			return n, true
		}
	}
	return Network{}, false
}

// TxURL returns the explorer page of a transaction on this network.
func (n Network) TxURL(txHash string) string {
	return strings.TrimSuffix(n.ExplorerURL, "/") + "/tx/" + txHash
}

// ClientConfig contains persistent local client settings.
type ClientConfig struct {
	InstallID           string `json:"install_id"`
	Network             string `json:"network"`
	RPCURL              string `json:"rpc_url"`
	ContractAddress     string `json:"contract_address"`
	ChainID             int64  `json:"chain_id"`
	WalletKeyPath       string `json:"wallet_key_path"`
	KVBackend           string `json:"kv_backend"`
	RedisAddr           string `json:"redis_addr,omitempty"`
	PageSize            int    `json:"page_size"`
	PollIntervalSeconds int    `json:"poll_interval_seconds"`
	FeedAddress         string `json:"feed_address"`
	LogLevel            int    `json:"log_level"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If MEGAGRAM_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("MEGAGRAM_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to config.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates the app data directory layout if needed.
func EnsureDataDirectories(dataDir string) error {
	dirs := []string{
		dataDir,
		filepath.Join(dataDir, "keys"),
	}

	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}

	return nil
}

// Load reads and unmarshals config.json from disk.
func Load(path string) (*ClientConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ClientConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes config.json to disk.
func Save(path string, cfg *ClientConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures directories and config exist, then returns both.
func LoadOrCreate() (*ClientConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	return LoadOrCreateIn(dataDir)
}

// LoadOrCreateIn is LoadOrCreate for an explicit data directory.
func LoadOrCreateIn(dataDir string) (*ClientConfig, string, error) {
	if err := EnsureDataDirectories(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig(dataDir)
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg, dataDir) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

// Validate reports settings that make the client unusable.
func (c *ClientConfig) Validate() error {
	if c.RPCURL == "" {
		return errors.New("rpc_url is required")
	}
	if c.ContractAddress == "" {
		return errors.New("contract_address is required")
	}
	if c.KVBackend == KVBackendRedis && c.RedisAddr == "" {
		return errors.New("redis_addr is required for the redis kv backend")
	}
	return nil
}

// ActiveNetwork returns the configured network entry.
func (c *ClientConfig) ActiveNetwork() Network {
	if n, ok := LookupNetwork(c.Network); ok {
		return n
	}
	n, _ := LookupNetwork(DefaultNetworkID)
	return n
}

func defaultConfig(dataDir string) *ClientConfig {
	network, _ := LookupNetwork(DefaultNetworkID)
	return &ClientConfig{
		InstallID:           uuid.NewString(),
		Network:             network.ID,
		RPCURL:              network.RPCURL,
		ContractAddress:     contractFromEnv(network.ID),
		ChainID:             network.ChainID,
		WalletKeyPath:       filepath.Join(dataDir, "keys", "wallet.key"),
		KVBackend:           KVBackendSQLite,
		PageSize:            DefaultPageSize,
		PollIntervalSeconds: DefaultPollIntervalSeconds,
		FeedAddress:         DefaultFeedAddress,
		LogLevel:            2,
	}
}

func normalizeDefaults(cfg *ClientConfig, dataDir string) bool {
	updated := false

	if cfg.InstallID == "" {
		cfg.InstallID = uuid.NewString()
		updated = true
	}

	network, ok := LookupNetwork(cfg.Network)
	if !ok {
		network, _ = LookupNetwork(DefaultNetworkID)
		cfg.Network = network.ID
		updated = true
	}
	if cfg.RPCURL == "" {
		cfg.RPCURL = network.RPCURL
		updated = true
	}
	if cfg.ChainID == 0 {
		cfg.ChainID = network.ChainID
		updated = true
	}
	if cfg.ContractAddress == "" {
		if addr := contractFromEnv(network.ID); addr != "" {
			cfg.ContractAddress = addr
			updated = true
		}
	}

	if cfg.WalletKeyPath == "" {
		cfg.WalletKeyPath = filepath.Join(dataDir, "keys", "wallet.key")
		updated = true
	}

	switch cfg.KVBackend {
	case KVBackendSQLite, KVBackendRedis:
	default:
		cfg.KVBackend = KVBackendSQLite
		updated = true
	}

	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
		updated = true
	}
	if cfg.PollIntervalSeconds <= 0 {
		cfg.PollIntervalSeconds = DefaultPollIntervalSeconds
		updated = true
	}
	if cfg.FeedAddress == "" {
		cfg.FeedAddress = DefaultFeedAddress
		updated = true
	}

	return updated
}

// contractFromEnv reads the per-network contract override, falling back to the
// shared MEGAGRAM_CONTRACT_ADDRESS.
func contractFromEnv(networkID string) string {
	key := "MEGAGRAM_CONTRACT_ADDRESS_" + strings.ToUpper(strings.ReplaceAll(networkID, "-", "_"))
	if addr := os.Getenv(key); addr != "" {
		return addr
	}
	return os.Getenv("MEGAGRAM_CONTRACT_ADDRESS")
}

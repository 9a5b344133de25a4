package config

import (
	"path/filepath"
	"testing"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("MEGAGRAM_DATA_DIR", tempDir)
	t.Setenv("MEGAGRAM_CONTRACT_ADDRESS", "")
	t.Setenv("MEGAGRAM_CONTRACT_ADDRESS_BASE_SEPOLIA", "")

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.InstallID == "" {
		t.Fatalf("expected non-empty install ID")
	}
	if firstCfg.Network != DefaultNetworkID {
		t.Fatalf("expected default network %q, got %q", DefaultNetworkID, firstCfg.Network)
	}
	if firstCfg.ChainID != 84532 {
		t.Fatalf("expected base sepolia chain id, got %d", firstCfg.ChainID)
	}
	if firstCfg.PageSize != DefaultPageSize {
		t.Fatalf("expected page size %d, got %d", DefaultPageSize, firstCfg.PageSize)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.InstallID != firstCfg.InstallID {
		t.Fatalf("expected stable install ID, got %q then %q", firstCfg.InstallID, secondCfg.InstallID)
	}
	if secondCfg.WalletKeyPath != firstCfg.WalletKeyPath {
		t.Fatalf("expected stable key path, got %q then %q", firstCfg.WalletKeyPath, secondCfg.WalletKeyPath)
	}
}

func TestLoadOrCreateNormalizesPartialConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("MEGAGRAM_CONTRACT_ADDRESS", "")
	t.Setenv("MEGAGRAM_CONTRACT_ADDRESS_MEGAETH", "0x1111111111111111111111111111111111111111")

	if err := EnsureDataDirectories(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}
	partial := &ClientConfig{
		InstallID: "existing-install",
		Network:   "megaeth",
		KVBackend: "postgres",
	}
	if err := Save(ConfigPath(tempDir), partial); err != nil {
		t.Fatalf("Save partial config failed: %v", err)
	}

	cfg, _, err := LoadOrCreateIn(tempDir)
	if err != nil {
		t.Fatalf("LoadOrCreateIn failed: %v", err)
	}
	if cfg.InstallID != "existing-install" {
		t.Fatalf("expected install ID to be retained, got %q", cfg.InstallID)
	}
	if cfg.ChainID != 6342 {
		t.Fatalf("expected megaeth chain id, got %d", cfg.ChainID)
	}
	if cfg.RPCURL != "https://carrot.megaeth.com/rpc" {
		t.Fatalf("unexpected rpc url %q", cfg.RPCURL)
	}
	if cfg.ContractAddress != "0x1111111111111111111111111111111111111111" {
		t.Fatalf("expected contract from env, got %q", cfg.ContractAddress)
	}
	if cfg.KVBackend != KVBackendSQLite {
		t.Fatalf("expected unknown kv backend to fall back to sqlite, got %q", cfg.KVBackend)
	}

	reloaded, err := Load(ConfigPath(tempDir))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.ChainID != 6342 {
		t.Fatalf("expected normalized config to be persisted")
	}
}

func TestValidate(t *testing.T) {
	cfg := defaultConfig(t.TempDir())
	cfg.ContractAddress = ""
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected missing contract to fail validation")
	}

	cfg.ContractAddress = "0x1111111111111111111111111111111111111111"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid config, got %v", err)
	}

	cfg.KVBackend = KVBackendRedis
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected redis backend without address to fail validation")
	}
}

func TestNetworkTxURL(t *testing.T) {
	network, ok := LookupNetwork("megaeth")
	if !ok {
		t.Fatalf("expected megaeth network to be known")
	}
	if got := network.TxURL("0xabc"); got != "https://www.megaexplorer.xyz/tx/0xabc" {
		t.Fatalf("unexpected tx url %q", got)
	}
	if _, ok := LookupNetwork("mainnet"); ok {
		t.Fatalf("expected unknown network lookup to fail")
	}
}

package config

import (
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"

	"giftledger/crypto"

	"github.com/BurntSushi/toml"
)

// GenesisAlloc seeds a token balance at boot. Amount is a base-10 string so
// the config survives balances beyond int64.
type GenesisAlloc struct {
	Address string `toml:"Address"`
	Amount  string `toml:"Amount"`
}

// Webhook configures the redemption notification endpoint.
type Webhook struct {
	Endpoint string `toml:"Endpoint"`
	Secret   string `toml:"Secret"`
}

// Log configures the optional rotated log file.
type Log struct {
	FilePath   string `toml:"FilePath"`
	MaxSizeMB  int    `toml:"MaxSizeMB"`
	MaxBackups int    `toml:"MaxBackups"`
	MaxAgeDays int    `toml:"MaxAgeDays"`
}

type Config struct {
	RPCAddress        string         `toml:"RPCAddress"`
	DataDir           string         `toml:"DataDir"`
	NetworkName       string         `toml:"NetworkName"`
	VaultKeystorePath string         `toml:"VaultKeystorePath"`
	RPCAuthToken      string         `toml:"RPCAuthToken"`
	Genesis           []GenesisAlloc `toml:"Genesis"`
	Webhook           Webhook        `toml:"Webhook"`
	Log               Log            `toml:"Log"`
}

// Load loads the configuration from the given path, creating a default config
// and vault keystore on first run.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}

	if err := ensureKeystore(path, cfg); err != nil {
		return nil, err
	}
	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "gift-local"
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = "./gift-data"
	}
	return cfg, nil
}

// ParseGenesis resolves the allocation section into addresses and amounts.
func (c *Config) ParseGenesis() (map[crypto.Address]*big.Int, error) {
	out := make(map[crypto.Address]*big.Int, len(c.Genesis))
	for _, alloc := range c.Genesis {
		addr, err := crypto.DecodeAddress(strings.TrimSpace(alloc.Address))
		if err != nil {
			return nil, fmt.Errorf("config: genesis address %q: %w", alloc.Address, err)
		}
		amount, ok := new(big.Int).SetString(strings.TrimSpace(alloc.Amount), 10)
		if !ok || amount.Sign() <= 0 {
			return nil, fmt.Errorf("config: genesis amount %q must be a positive integer", alloc.Amount)
		}
		if existing, dup := out[addr]; dup {
			out[addr] = new(big.Int).Add(existing, amount)
			continue
		}
		out[addr] = amount
	}
	return out, nil
}

func ensureKeystore(configPath string, cfg *Config) error {
	keystorePath := cfg.VaultKeystorePath
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	if cfg.VaultKeystorePath != keystorePath {
		cfg.VaultKeystorePath = keystorePath
		return persist(configPath, cfg)
	}
	return nil
}

// createDefault creates and saves a default configuration file alongside a
// fresh vault keystore.
func createDefault(path string) (*Config, error) {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	keystorePath := defaultKeystorePath(path)
	if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
		return nil, err
	}

	cfg := &Config{
		RPCAddress:        ":8080",
		DataDir:           "./gift-data",
		NetworkName:       "gift-local",
		VaultKeystorePath: keystorePath,
		Genesis:           []GenesisAlloc{},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, "vault.keystore")
}

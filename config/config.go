// Package config loads custodyd's configuration: defaults, then an optional YAML file,
// then CUSTODY_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"gopkg.in/yaml.v3"

	"github.com/joncooperworks/custody/account"
	"github.com/joncooperworks/custody/chain"
	"github.com/joncooperworks/custody/crypto"
	"github.com/joncooperworks/custody/crypto/keystore"
	"github.com/joncooperworks/custody/logging"
	"github.com/joncooperworks/custody/plugin"
)

// Config is the complete daemon configuration.
type Config struct {
	Keyring  KeyringConfig  `yaml:"keyring"`
	Accounts AccountsConfig `yaml:"accounts"`
	Gas      GasConfig      `yaml:"gas"`
	Chains   []chain.Config `yaml:"chains"`
	Sessions SessionsConfig `yaml:"sessions"`
	Plugins  PluginsConfig  `yaml:"plugins"`
	Log      LogConfig      `yaml:"log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type KeyringConfig struct {
	// Backend is a registered keystore backend. Empty selects the current platform.
	Backend     string `yaml:"backend"`
	ServiceName string `yaml:"service_name"`
	Keychain    string `yaml:"keychain"`
	FileDir     string `yaml:"file_dir"`
	// FilePassword is only read from CUSTODY_KEYRING_PASSWORD.
	FilePassword string `yaml:"-"`
}

type AccountsConfig struct {
	UnlockTTL      time.Duration `yaml:"unlock_ttl"`
	DerivationPath string        `yaml:"derivation_path"`
}

type GasConfig struct {
	StaleAfter time.Duration `yaml:"stale_after"`
}

type SessionsConfig struct {
	// RateLimit is the sustained number of requests per second accepted from one peer.
	// Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
	// RelayKeyFile holds the hex X25519 private key of the V2 relay identity. Empty
	// generates a new identity at startup.
	RelayKeyFile string `yaml:"relay_key_file"`
}

type PluginsConfig struct {
	// Screeners are plugin files loaded by extension, such as "risk.wasm".
	Screeners []string `yaml:"screeners"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type MetricsConfig struct {
	// Listen is the address /metrics is served on. Empty disables the endpoint.
	Listen string `yaml:"listen"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Keyring: KeyringConfig{ServiceName: keystore.DefaultServiceName},
		Accounts: AccountsConfig{
			UnlockTTL:      account.DefaultUnlockTTL,
			DerivationPath: crypto.DefaultDerivationPath.String(),
		},
		Gas: GasConfig{StaleAfter: chain.DefaultGasStaleAfter},
		Chains: []chain.Config{
			{Name: "alfajores", ChainID: 44787, RPCURL: "https://alfajores-forno.celo-testnet.org"},
		},
		Sessions: SessionsConfig{RateLimit: 5, Burst: 10},
		Log:      LogConfig{Level: "info", Format: "json"},
	}
}

// Load reads path over the defaults and applies environment overrides. An empty path
// skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config: %w", err)
		}
		if err := Parse(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	if err := ApplyEnv(&cfg, os.Getenv); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Parse decodes YAML into cfg. Fields absent from data keep their current values; a
// chains list replaces the current chains. Unknown fields are an error.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// ApplyEnv applies CUSTODY_* overrides read through getenv.
func ApplyEnv(cfg *Config, getenv func(string) string) error {
	get := func(name string) string { return strings.TrimSpace(getenv(name)) }

	if v := get("CUSTODY_KEYRING_BACKEND"); v != "" {
		cfg.Keyring.Backend = v
	}
	if v := get("CUSTODY_KEYCHAIN"); v != "" {
		cfg.Keyring.Keychain = v
	}
	if v := getenv("CUSTODY_KEYRING_PASSWORD"); v != "" {
		cfg.Keyring.FilePassword = v
	}
	if v := get("CUSTODY_UNLOCK_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CUSTODY_UNLOCK_TTL: %w", err)
		}
		cfg.Accounts.UnlockTTL = d
	}
	if v := get("CUSTODY_GAS_STALE_AFTER"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CUSTODY_GAS_STALE_AFTER: %w", err)
		}
		cfg.Gas.StaleAfter = d
	}
	if v := get("CUSTODY_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("CUSTODY_RATE_LIMIT: %w", err)
		}
		cfg.Sessions.RateLimit = f
	}
	if v := get("CUSTODY_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := get("CUSTODY_METRICS_LISTEN"); v != "" {
		cfg.Metrics.Listen = v
	}
	return nil
}

// Validate reports the first invalid field.
func (c Config) Validate() error {
	if c.Keyring.Backend != "" {
		if _, err := keystore.GetStoreFactory(c.Keyring.Backend); err != nil {
			return fmt.Errorf("keyring.backend: %w", err)
		}
	}
	if c.Keyring.Backend == "file" && c.Keyring.FileDir == "" {
		return errors.New("keyring.file_dir: required by the file backend")
	}
	if c.Accounts.UnlockTTL <= 0 {
		return fmt.Errorf("accounts.unlock_ttl: must be positive, got %s", c.Accounts.UnlockTTL)
	}
	if _, err := crypto.ParseDerivationPath(c.Accounts.DerivationPath); err != nil {
		return fmt.Errorf("accounts.derivation_path: %w", err)
	}
	if c.Gas.StaleAfter <= 0 {
		return fmt.Errorf("gas.stale_after: must be positive, got %s", c.Gas.StaleAfter)
	}
	if len(c.Chains) == 0 {
		return errors.New("chains: at least one chain is required")
	}
	seen := make(map[string]bool, len(c.Chains))
	for i, ch := range c.Chains {
		switch {
		case ch.Name == "":
			return fmt.Errorf("chains[%d].name: required", i)
		case seen[ch.Name]:
			return fmt.Errorf("chains[%d].name: duplicate %q", i, ch.Name)
		case ch.ChainID <= 0:
			return fmt.Errorf("chains[%d].chain_id: must be positive", i)
		case ch.RPCURL == "":
			return fmt.Errorf("chains[%d].rpc_url: required", i)
		}
		seen[ch.Name] = true
	}
	if c.Sessions.RateLimit < 0 {
		return fmt.Errorf("sessions.rate_limit: must not be negative, got %g", c.Sessions.RateLimit)
	}
	if c.Sessions.Burst < 0 {
		return fmt.Errorf("sessions.burst: must not be negative, got %d", c.Sessions.Burst)
	}
	for i, path := range c.Plugins.Screeners {
		ext := strings.TrimPrefix(filepath.Ext(path), ".")
		if ext == "" {
			return fmt.Errorf("plugins.screeners[%d]: %s has no file extension", i, path)
		}
		if _, err := plugin.GetLoaderFactory(ext); err != nil {
			return fmt.Errorf("plugins.screeners[%d]: %w", i, err)
		}
	}
	if _, err := logging.New(io.Discard, logging.Options{Level: c.Log.Level, Format: c.Log.Format}); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

// KeystoreOptions converts the keyring section for keystore.NewStore.
func (c Config) KeystoreOptions() keystore.Options {
	return keystore.Options{
		Backend:      c.Keyring.Backend,
		ServiceName:  c.Keyring.ServiceName,
		KeychainName: c.Keyring.Keychain,
		FileDir:      c.Keyring.FileDir,
		FilePassword: c.Keyring.FilePassword,
	}
}

// DerivationPath returns the parsed accounts.derivation_path. Call after Validate.
func (c Config) DerivationPath() accounts.DerivationPath {
	path, err := crypto.ParseDerivationPath(c.Accounts.DerivationPath)
	if err != nil {
		return crypto.DefaultDerivationPath
	}
	return path
}

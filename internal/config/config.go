// Package config loads nexusflow's runtime settings from a YAML file, with
// ${VAR} environment substitution applied before parsing. Grounded on the
// teacher's internal/config loader: expand the raw file body against the
// process environment, then decode strictly so a typo'd key fails fast
// instead of silently falling back to a zero value.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// StorageConfig selects and configures the persistence backend for C2/C6's
// store.Set.
type StorageConfig struct {
	// Driver is "memory", "sqlite", or "postgres".
	Driver      string `yaml:"driver"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

// CipherConfig seeds C8's master key derivation.
type CipherConfig struct {
	MasterKeySeed string `yaml:"master_key_seed"`
}

// Config is the full set of settings the nexusflow binary needs to run.
type Config struct {
	Storage StorageConfig `yaml:"storage"`
	Cipher  CipherConfig  `yaml:"cipher"`
}

// Load reads path, expands ${VAR}/$VAR references against the process
// environment, and decodes the result with unknown-key rejection.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(raw))

	cfg := &Config{}
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Storage.Driver) == "" {
		cfg.Storage.Driver = "memory"
	}
	if strings.TrimSpace(cfg.Cipher.MasterKeySeed) == "" {
		cfg.Cipher.MasterKeySeed = "nexusflow-dev-seed"
	}
}

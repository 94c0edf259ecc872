package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "nexusflow.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "storage:\n  driver: memory\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("got driver %q", cfg.Storage.Driver)
	}
	if cfg.Cipher.MasterKeySeed == "" {
		t.Fatalf("expected a default master key seed")
	}
}

func TestLoadExpandsEnvironmentVariables(t *testing.T) {
	t.Setenv("NEXUSFLOW_TEST_DSN", "postgres://example/db")
	path := writeConfig(t, "storage:\n  driver: postgres\n  postgres_dsn: ${NEXUSFLOW_TEST_DSN}\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Storage.PostgresDSN != "postgres://example/db" {
		t.Fatalf("got dsn %q", cfg.Storage.PostgresDSN)
	}
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "storage:\n  driver: memory\nbogus_field: true\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected an error for an unknown top-level field")
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

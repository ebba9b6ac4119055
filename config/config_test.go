package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RPCAddress == "" || cfg.DataDir == "" || cfg.GenesisFile == "" {
		t.Fatalf("defaults missing: %+v", cfg)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("default config not written: %v", err)
	}

	// Re-loading the written file yields the same settings.
	again, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if again.RPCAddress != cfg.RPCAddress || again.NetworkName != cfg.NetworkName {
		t.Fatalf("reload mismatch: %+v vs %+v", again, cfg)
	}
}

func TestLoadAppliesDefaultsToPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := "RPCAddress = \"127.0.0.1:9999\"\nPausedModules = [\"marketplace\"]\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RPCAddress != "127.0.0.1:9999" {
		t.Fatalf("explicit value overridden: %s", cfg.RPCAddress)
	}
	if cfg.DataDir == "" || cfg.RateLimitPerMinute <= 0 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if len(cfg.PausedModules) != 1 || cfg.PausedModules[0] != "marketplace" {
		t.Fatalf("paused modules not parsed: %v", cfg.PausedModules)
	}
}

func TestValidate(t *testing.T) {
	cfg := &Config{}
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation failure for empty config")
	}
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

package main

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveConfigDefaults(t *testing.T) {
	cfg, err := resolveConfig(nil)
	if err != nil {
		t.Fatalf("resolve config: %v", err)
	}
	if cfg.Port != 28010 {
		t.Fatalf("expected default port 28010, got %d", cfg.Port)
	}
	if cfg.DBPath != "automarathon.db" {
		t.Fatalf("expected default db path, got %q", cfg.DBPath)
	}
}

func TestResolveConfigFlagsOverrideFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("port: 9000\nlog_level: debug\n"), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}

	cfg, err := resolveConfig([]string{"-config", cfgPath, "-port", "9100"})
	if err != nil {
		t.Fatalf("resolve config: %v", err)
	}
	if cfg.Port != 9100 {
		t.Fatalf("expected flag to override file port, got %d", cfg.Port)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected file log level to survive, got %q", cfg.LogLevel)
	}
}

func TestResolveConfigEnvOverridesFlags(t *testing.T) {
	t.Setenv("AM_PORT", "9200")

	cfg, err := resolveConfig([]string{"-port", "9100"})
	if err != nil {
		t.Fatalf("resolve config: %v", err)
	}
	if cfg.Port != 9200 {
		t.Fatalf("expected env to override flag port, got %d", cfg.Port)
	}
}

func TestResolveConfigRejectsBadPort(t *testing.T) {
	if _, err := resolveConfig([]string{"-port", "70000"}); err == nil {
		t.Fatalf("expected invalid port to fail validation")
	}
}

func TestLoadConfigFileRejectsUnknownFields(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("port: 9000\nbogus_field: true\n"), 0o644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	if _, err := loadConfigFile(cfgPath); err == nil {
		t.Fatalf("expected unknown field to be rejected")
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEngineConfigDefaults(t *testing.T) {
	cfg, err := LoadEngineConfig(t.TempDir())
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StoreType != "postgresql" {
		t.Fatalf("unexpected default store type: %q", cfg.StoreType)
	}
	if cfg.BPMNGRPCAddr != "localhost:50051" || cfg.GatewayAddr != "localhost:50052" {
		t.Fatalf("unexpected default endpoints: %q / %q", cfg.BPMNGRPCAddr, cfg.GatewayAddr)
	}
	if cfg.LogLevel != "info" {
		t.Fatalf("unexpected default log level: %q", cfg.LogLevel)
	}
}

func TestLoadEngineConfigEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"),
		[]byte("log_level: warn\nredis_addr: redis.internal:6379\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("OBPOC_LOG_LEVEL", "debug")

	cfg, err := LoadEngineConfig(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RedisAddr != "redis.internal:6379" {
		t.Fatalf("file value not read: %q", cfg.RedisAddr)
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("env var must override the file, got %q", cfg.LogLevel)
	}
}

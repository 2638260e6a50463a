package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfigValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
	if cfg.Sandbox.Timeout != 30*time.Second {
		t.Errorf("default sandbox timeout = %s, want 30s", cfg.Sandbox.Timeout)
	}
	if len(cfg.Policy.AllowedModules) == 0 {
		t.Error("default config should carry the default policy whitelist")
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	yamlData := `
server:
  port: 9090
sandbox:
  timeout: 10s
  backend: docker
  limits:
    memory_mb: 256
security:
  allowed_keys:
    - key1
    - key2
`
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yamlData), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("port = %d, want 9090", cfg.Server.Port)
	}
	if cfg.Sandbox.Timeout != 10*time.Second {
		t.Errorf("timeout = %s, want 10s", cfg.Sandbox.Timeout)
	}
	if cfg.Sandbox.Backend != "docker" {
		t.Errorf("backend = %q, want docker", cfg.Sandbox.Backend)
	}
	if cfg.Sandbox.Limits.MemoryMB != 256 {
		t.Errorf("memory_mb = %d, want 256", cfg.Sandbox.Limits.MemoryMB)
	}
	if len(cfg.Security.AllowedKeys) != 2 {
		t.Errorf("allowed keys = %v, want 2 entries", cfg.Security.AllowedKeys)
	}

	// Unset fields keep their defaults
	if cfg.Sandbox.Image != "docker.io/library/python:3.12-slim" {
		t.Errorf("image = %q, default should survive partial config", cfg.Sandbox.Image)
	}
	if cfg.Sandbox.MaxConcurrent != 64 {
		t.Errorf("max_concurrent = %d, default should survive partial config", cfg.Sandbox.MaxConcurrent)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"bad port", "server:\n  port: 99999\n"},
		{"zero timeout", "sandbox:\n  timeout: 0s\n"},
		{"timeout too long", "sandbox:\n  timeout: 10m\n"},
		{"memory too small", "sandbox:\n  limits:\n    memory_mb: 16\n"},
		{"not yaml", "{{{{"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "config.yaml")
			if err := os.WriteFile(path, []byte(tt.yaml), 0o600); err != nil {
				t.Fatal(err)
			}
			if _, err := Load(path); err == nil {
				t.Error("expected Load to fail")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestAddress(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 9000
	if got := cfg.Address(); got != "127.0.0.1:9000" {
		t.Errorf("Address() = %q, want 127.0.0.1:9000", got)
	}
}

package config

import (
	"testing"
	"time"
)

func TestLoad_ParsesEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("DATA_DIR", "/srv/tabletalk")
	t.Setenv("CATALOG_PATH", "/srv/tabletalk/catalog.db")
	t.Setenv("KERNEL_BACKEND", "docker")
	t.Setenv("KERNEL_IMAGE", "tabletalk-kernel:latest")
	t.Setenv("EXEC_TIMEOUT_SECONDS", "45")
	t.Setenv("SESSION_IDLE_MINUTES", "10")
	t.Setenv("ARTIFACT_TTL_HOURS", "24")
	t.Setenv("GUARD_MAX_RETRIES", "3")
	t.Setenv("LOG_REQUESTS", "false")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Port != "9090" {
		t.Errorf("Expected port 9090, got %s", cfg.Port)
	}
	if cfg.KernelBackend != "docker" {
		t.Errorf("Expected docker backend, got %s", cfg.KernelBackend)
	}
	if cfg.ExecTimeout != 45*time.Second {
		t.Errorf("Expected 45s exec timeout, got %v", cfg.ExecTimeout)
	}
	if cfg.SessionIdleTTL != 10*time.Minute {
		t.Errorf("Expected 10m idle TTL, got %v", cfg.SessionIdleTTL)
	}
	if cfg.ArtifactTTL != 24*time.Hour {
		t.Errorf("Expected 24h artifact TTL, got %v", cfg.ArtifactTTL)
	}
	if cfg.GuardMaxRetries != 3 {
		t.Errorf("Expected 3 guard retries, got %d", cfg.GuardMaxRetries)
	}
	if cfg.LogRequests {
		t.Errorf("Expected request logging disabled")
	}
}

func TestLoad_UnparseableIntFallsBack(t *testing.T) {
	t.Setenv("EXEC_TIMEOUT_SECONDS", "soon")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.ExecTimeout != 90*time.Second {
		t.Errorf("Expected default 90s timeout, got %v", cfg.ExecTimeout)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Port:            "8080",
			DataDir:         "./data",
			CatalogPath:     "./data/catalog.db",
			KernelBackend:   "proc",
			ExecTimeout:     90 * time.Second,
			SessionIdleTTL:  30 * time.Minute,
			ArtifactTTL:     48 * time.Hour,
			GuardMaxRetries: 2,
			ExecMaxAttempts: 2,
		}
	}

	if err := valid().Validate(); err != nil {
		t.Errorf("Expected valid config, got %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty port", func(c *Config) { c.Port = "" }},
		{"empty data dir", func(c *Config) { c.DataDir = "" }},
		{"unknown kernel backend", func(c *Config) { c.KernelBackend = "firecracker" }},
		{"zero exec timeout", func(c *Config) { c.ExecTimeout = 0 }},
		{"zero exec attempts", func(c *Config) { c.ExecMaxAttempts = 0 }},
		{"negative guard retries", func(c *Config) { c.GuardMaxRetries = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Errorf("Expected validation error")
			}
		})
	}
}

func TestIsDevelopment(t *testing.T) {
	tests := []struct {
		frontendURL string
		want        bool
	}{
		{"", true},
		{"http://localhost:5173", true},
		{"http://127.0.0.1:5173", true},
		{"https://tabletalk.example.com", false},
	}
	for _, tt := range tests {
		cfg := &Config{FrontendURL: tt.frontendURL}
		if got := cfg.IsDevelopment(); got != tt.want {
			t.Errorf("IsDevelopment(%q): expected %v, got %v", tt.frontendURL, tt.want, got)
		}
	}
}

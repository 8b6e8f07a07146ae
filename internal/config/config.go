// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DataDir     string
	CatalogPath string

	GeminiAPIKey string
	Model        string
	ModelLite    string

	// KernelBackend selects how interpreter sessions run: "proc" starts a
	// local child process, "docker" a per-workspace container.
	KernelBackend    string
	KernelPython     string
	KernelImage      string
	ContainerRuntime string // Docker runtime: "" = default (runc), "runsc" = gVisor

	ExecTimeout    time.Duration
	SessionIdleTTL time.Duration
	ArtifactTTL    time.Duration

	GuardMaxRetries int
	ExecMaxAttempts int

	// LogRequests toggles the per-request HTTP log line.
	LogRequests bool
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	dataDir := getEnv("DATA_DIR", "./data")

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DataDir:     dataDir,
		CatalogPath: getEnv("CATALOG_PATH", dataDir+"/catalog.db"),

		GeminiAPIKey: getEnv("GEMINI_API_KEY", ""),
		Model:        getEnv("LLM_MODEL", "gemini-2.5-flash"),
		ModelLite:    getEnv("LLM_MODEL_LITE", "gemini-2.5-flash-lite"),

		KernelBackend:    getEnv("KERNEL_BACKEND", "proc"),
		KernelPython:     getEnv("KERNEL_PYTHON", "python3"),
		KernelImage:      getEnv("KERNEL_IMAGE", ""),
		ContainerRuntime: getEnv("CONTAINER_RUNTIME", ""),

		ExecTimeout:    time.Duration(getEnvInt("EXEC_TIMEOUT_SECONDS", 90)) * time.Second,
		SessionIdleTTL: time.Duration(getEnvInt("SESSION_IDLE_MINUTES", 30)) * time.Minute,
		ArtifactTTL:    time.Duration(getEnvInt("ARTIFACT_TTL_HOURS", 48)) * time.Hour,

		GuardMaxRetries: getEnvInt("GUARD_MAX_RETRIES", 2),
		ExecMaxAttempts: getEnvInt("EXEC_MAX_ATTEMPTS", 2),

		LogRequests: getEnvBool("LOG_REQUESTS", true),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("DATA_DIR cannot be empty")
	}
	if c.CatalogPath == "" {
		return fmt.Errorf("CATALOG_PATH cannot be empty")
	}
	switch c.KernelBackend {
	case "proc", "docker":
	default:
		return fmt.Errorf("KERNEL_BACKEND must be \"proc\" or \"docker\", got %q", c.KernelBackend)
	}
	if c.ExecTimeout <= 0 {
		return fmt.Errorf("EXEC_TIMEOUT_SECONDS must be > 0")
	}
	if c.SessionIdleTTL <= 0 {
		return fmt.Errorf("SESSION_IDLE_MINUTES must be > 0")
	}
	if c.ArtifactTTL <= 0 {
		return fmt.Errorf("ARTIFACT_TTL_HOURS must be > 0")
	}
	if c.GuardMaxRetries < 0 {
		return fmt.Errorf("GUARD_MAX_RETRIES must be >= 0")
	}
	if c.ExecMaxAttempts <= 0 {
		return fmt.Errorf("EXEC_MAX_ATTEMPTS must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// IsContainer returns true if running inside a Docker container.
func IsContainer() bool {
	if os.Getenv("CONTAINER") == "true" {
		return true
	}
	// Check for .dockerenv file
	if _, err := os.Stat("/.dockerenv"); err == nil {
		return true
	}
	return false
}

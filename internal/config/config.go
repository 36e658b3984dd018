// Package config provides application configuration.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Key store backends.
const (
	KeyStoreSQLite = "sqlite"
	KeyStoreDir    = "dir"
)

// Config holds all application configuration.
type Config struct {
	BackendURL     string
	AuthDir        string
	DeviceName     string
	WebhookTimeout time.Duration
	ControlAddr    string // empty disables the control HTTP surface
	ControlToken   string
	LogLevel       slog.Level
	Reconnect      ReconnectConfig
	KeyRetention   KeyRetentionConfig
}

// ReconnectConfig bounds the reconnect policy.
type ReconnectConfig struct {
	MaxAttempts int
	Delay       time.Duration
}

// KeyRetentionConfig controls pruning of rotating pre-key material.
type KeyRetentionConfig struct {
	Backend  string
	Keep     int
	Interval time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	backend := getEnv("BACKEND_URL", getEnv("FASTAPI_URL", "http://localhost:8000"))

	cfg := &Config{
		BackendURL:     strings.TrimRight(backend, "/"),
		AuthDir:        getEnv("AUTH_DIR", "./auth"),
		DeviceName:     getEnv("DEVICE_NAME", "Opina"),
		WebhookTimeout: getEnvDuration("WEBHOOK_TIMEOUT", 30*time.Second, time.Second),
		ControlAddr:    getEnv("CONTROL_ADDR", "127.0.0.1:8090"),
		ControlToken:   getEnv("CONTROL_TOKEN", ""),
		LogLevel:       parseLevel(getEnv("LOG_LEVEL", "info")),
		Reconnect: ReconnectConfig{
			MaxAttempts: getEnvInt("RECONNECT_MAX_ATTEMPTS", 5),
			Delay:       getEnvDuration("RECONNECT_DELAY", 5000*time.Millisecond, time.Millisecond),
		},
		KeyRetention: KeyRetentionConfig{
			Backend:  strings.ToLower(getEnv("KEY_STORE_BACKEND", KeyStoreSQLite)),
			Keep:     getEnvInt("KEY_RETENTION_COUNT", 2),
			Interval: getEnvDuration("KEY_RETENTION_INTERVAL", 5*time.Minute, time.Second),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	u, err := url.Parse(c.BackendURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("BACKEND_URL must be an absolute URL, got %q", c.BackendURL)
	}
	if c.AuthDir == "" {
		return fmt.Errorf("AUTH_DIR cannot be empty")
	}
	if c.Reconnect.MaxAttempts <= 0 {
		return fmt.Errorf("RECONNECT_MAX_ATTEMPTS must be > 0")
	}
	if c.Reconnect.Delay <= 0 {
		return fmt.Errorf("RECONNECT_DELAY must be > 0")
	}
	if c.KeyRetention.Keep < 0 {
		return fmt.Errorf("KEY_RETENTION_COUNT cannot be negative")
	}
	if c.KeyRetention.Interval <= 0 {
		return fmt.Errorf("KEY_RETENTION_INTERVAL must be > 0")
	}
	switch c.KeyRetention.Backend {
	case KeyStoreSQLite, KeyStoreDir:
	default:
		return fmt.Errorf("KEY_STORE_BACKEND must be %q or %q", KeyStoreSQLite, KeyStoreDir)
	}
	if c.WebhookTimeout <= 0 {
		return fmt.Errorf("WEBHOOK_TIMEOUT must be > 0")
	}
	return nil
}

// DeviceDBPath is the whatsmeow device store inside the auth directory.
func (c *Config) DeviceDBPath() string {
	return filepath.Join(c.AuthDir, "session.db")
}

// ControlEnabled reports whether the control HTTP surface should be served.
func (c *Config) ControlEnabled() bool {
	return c.ControlAddr != ""
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
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

// getEnvDuration accepts Go duration strings ("5s") or bare integers counted
// in unit.
func getEnvDuration(key string, fallback, unit time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * unit
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func parseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

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
	Port   string
	DBPath string

	// Container runtime settings.
	ContainerRuntime string // Docker runtime: "" = default (runc), "runsc" = gVisor
	SandboxNetwork   string
	AgentPort        int

	// Lifecycle settings.
	IdleSleepAfter time.Duration // running + idle beyond this reads back as sleeping
	IdleStopAfter  time.Duration // reaper stops sandboxes idle beyond this
	ReaperInterval time.Duration

	// Event sync settings.
	Sync SyncConfig
}

// SyncConfig controls the agent event sync engine.
type SyncConfig struct {
	ResyncInterval       time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectMaxAttempts int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:             getEnv("PORT", "8080"),
		DBPath:           getEnv("DB_PATH", "./data/forgebox.db"),
		ContainerRuntime: getEnv("CONTAINER_RUNTIME", ""),
		SandboxNetwork:   getEnv("SANDBOX_NETWORK", "forgebox-sandboxes"),
		AgentPort:        getEnvInt("AGENT_PORT", 4096),
		IdleSleepAfter:   getEnvDuration("IDLE_SLEEP_AFTER", 30*time.Minute),
		IdleStopAfter:    getEnvDuration("IDLE_STOP_AFTER", 4*time.Hour),
		ReaperInterval:   getEnvDuration("REAPER_INTERVAL", 5*time.Minute),
		Sync: SyncConfig{
			ResyncInterval:       getEnvDuration("SYNC_RESYNC_INTERVAL", 5*time.Minute),
			ReconnectBaseDelay:   getEnvDuration("SYNC_RECONNECT_BASE_DELAY", time.Second),
			ReconnectMaxAttempts: getEnvInt("SYNC_RECONNECT_MAX_ATTEMPTS", 10),
		},
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
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.SandboxNetwork == "" {
		return fmt.Errorf("SANDBOX_NETWORK cannot be empty")
	}
	if c.AgentPort <= 0 || c.AgentPort > 65535 {
		return fmt.Errorf("AGENT_PORT must be a valid port, got %d", c.AgentPort)
	}
	if c.Sync.ReconnectBaseDelay <= 0 {
		return fmt.Errorf("SYNC_RECONNECT_BASE_DELAY must be > 0")
	}
	if c.Sync.ReconnectMaxAttempts <= 0 {
		return fmt.Errorf("SYNC_RECONNECT_MAX_ATTEMPTS must be > 0")
	}
	if c.Sync.ResyncInterval <= 0 {
		return fmt.Errorf("SYNC_RESYNC_INTERVAL must be > 0")
	}
	return nil
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

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

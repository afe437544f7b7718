package main

import (
	"crypto/rand"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rendis/chartflow/internal/plugins"
)

// Config holds all chartflow server configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath            string           `json:"db_path"`
	LogLevel          string           `json:"log_level"`
	MaxConcurrentRuns int              `json:"max_concurrent_runs"`
	RunTimeout        string           `json:"run_timeout"`
	Scheduler         bool             `json:"scheduler"`
	Plugins           []plugins.Config `json:"plugins"`
}

func defaultConfig() Config {
	return Config{
		DBPath:            filepath.Join(chartflowDir(), "chartflow.db"),
		LogLevel:          "info",
		MaxConcurrentRuns: 16,
		RunTimeout:        "10m",
		Scheduler:         true,
	}
}

func chartflowDir() string {
	if dir := os.Getenv("CHARTFLOW_DIR"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chartflow"
	}
	return filepath.Join(home, ".chartflow")
}

func settingsPath() string {
	return filepath.Join(chartflowDir(), "settings.json")
}

func loadConfig() Config {
	return loadConfigFrom(settingsPath())
}

func loadConfigFrom(path string) Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("CHARTFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CHARTFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("CHARTFLOW_MAX_CONCURRENT_RUNS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrentRuns = n
		}
	}
	if v := os.Getenv("CHARTFLOW_RUN_TIMEOUT"); v != "" {
		cfg.RunTimeout = v
	}
	if v := os.Getenv("CHARTFLOW_SCHEDULER"); v != "" {
		cfg.Scheduler = v == "true" || v == "1"
	}

	return cfg
}

func (c Config) runTimeout() time.Duration {
	d, err := time.ParseDuration(c.RunTimeout)
	if err != nil || d <= 0 {
		return 10 * time.Minute
	}
	return d
}

// vaultSalt loads the PBKDF2 salt, generating and persisting one on
// first use so secrets survive restarts.
func vaultSalt(dir string) ([]byte, error) {
	path := filepath.Join(dir, "vault.salt")
	if data, err := os.ReadFile(path); err == nil && len(data) >= 16 {
		return data, nil
	}

	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate vault salt: %w", err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("persist vault salt: %w", err)
	}
	return salt, nil
}

package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"
)

// Config holds loom CLI configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath          string `json:"db_path"`
	LogLevel        string `json:"log_level"`
	SLASchedule     string `json:"sla_schedule"`
	SLACooldown     string `json:"sla_cooldown"`
	Strict          bool   `json:"strict"`
	VaultPassphrase string `json:"vault_passphrase"`
	VaultSalt       string `json:"vault_salt"`
}

func defaultConfig() Config {
	return Config{
		DBPath:      filepath.Join(loomDir(), "loom.db"),
		LogLevel:    "info",
		SLASchedule: "* * * * *",
		SLACooldown: "5m",
		VaultSalt:   "loom.tenantry.dev/vault-v1",
	}
}

func loomDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".loom"
	}
	return filepath.Join(home, ".loom")
}

func settingsPath() string {
	return filepath.Join(loomDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("LOOM_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("LOOM_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("LOOM_SLA_SCHEDULE"); v != "" {
		cfg.SLASchedule = v
	}
	if v := os.Getenv("LOOM_SLA_COOLDOWN"); v != "" {
		cfg.SLACooldown = v
	}
	if v := os.Getenv("LOOM_STRICT"); v != "" {
		cfg.Strict = v == "true" || v == "1"
	}
	if v := os.Getenv("LOOM_VAULT_PASSPHRASE"); v != "" {
		cfg.VaultPassphrase = v
	}
	if v := os.Getenv("LOOM_VAULT_SALT"); v != "" {
		cfg.VaultSalt = v
	}

	return cfg
}

func (c Config) slaCooldown() time.Duration {
	d, err := time.ParseDuration(c.SLACooldown)
	if err != nil {
		return 5 * time.Minute
	}
	return d
}

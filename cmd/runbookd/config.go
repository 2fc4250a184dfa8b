package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// Config holds all runbookd configuration.
// Priority: env vars > settings.json > defaults.
type Config struct {
	DBPath            string `json:"db_path"`
	LogLevel          string `json:"log_level"`
	Mode              string `json:"mode"`
	PoliciesPath      string `json:"policies_path"`
	MaxConcurrent     int    `json:"max_concurrent"`
	HistorySize       int    `json:"history_size"`
	DefaultTimeout    string `json:"default_timeout"`
	SchedulerInterval string `json:"scheduler_interval"`
}

func defaultConfig() Config {
	return Config{
		DBPath:            filepath.Join(runbookDir(), "runbook.db"),
		LogLevel:          "info",
		Mode:              "interactive",
		MaxConcurrent:     5,
		HistorySize:       100,
		DefaultTimeout:    "30m",
		SchedulerInterval: "60s",
	}
}

func runbookDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".runbook"
	}
	return filepath.Join(home, ".runbook")
}

func settingsPath() string {
	return filepath.Join(runbookDir(), "settings.json")
}

func loadConfig() Config {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	if data, err := os.ReadFile(settingsPath()); err == nil {
		_ = json.Unmarshal(data, &cfg)
	}

	// Layer 3: env vars override.
	if v := os.Getenv("RUNBOOK_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("RUNBOOK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("RUNBOOK_MODE"); v != "" {
		cfg.Mode = v
	}
	if v := os.Getenv("RUNBOOK_POLICIES_PATH"); v != "" {
		cfg.PoliciesPath = v
	}
	if v := os.Getenv("RUNBOOK_MAX_CONCURRENT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxConcurrent = n
		}
	}
	if v := os.Getenv("RUNBOOK_HISTORY_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.HistorySize = n
		}
	}
	if v := os.Getenv("RUNBOOK_DEFAULT_TIMEOUT"); v != "" {
		cfg.DefaultTimeout = v
	}
	if v := os.Getenv("RUNBOOK_SCHEDULER_INTERVAL"); v != "" {
		cfg.SchedulerInterval = v
	}

	return cfg
}

// duration parses a config duration string, falling back on parse failure.
func duration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

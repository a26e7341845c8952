// Package config loads kbtrack configuration from an optional YAML file
// and environment variables, and sets up logging.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration values.
type Config struct {
	// Backend
	ServerURL string

	// Local state
	StatePath string // sqlite file mirroring engine state

	// Logging
	LogFile  string
	LogLevel slog.Level

	// Engine policy. The staleness and retention windows were observed
	// in production behavior, not derived; treat them as tunables.
	StaleAfter    time.Duration
	Retention     time.Duration
	DebounceQuiet time.Duration
}

// fileConfig is the YAML file shape. Durations are Go duration strings.
type fileConfig struct {
	ServerURL     string `yaml:"server_url"`
	StatePath     string `yaml:"state_path"`
	LogFile       string `yaml:"log_file"`
	LogLevel      string `yaml:"log_level"`
	StaleAfter    string `yaml:"stale_after"`
	Retention     string `yaml:"retention"`
	DebounceQuiet string `yaml:"debounce_quiet"`
}

// Load reads configuration: defaults, then the YAML file (KBTRACK_CONFIG
// or ~/.kbtrack.yaml), then environment variables. Env wins over file.
func Load() (Config, error) {
	cfg := Config{
		ServerURL:     "http://localhost:8000",
		StatePath:     defaultStatePath(),
		LogFile:       filepath.Join(os.TempDir(), "kbtrack.log"),
		LogLevel:      slog.LevelInfo,
		StaleAfter:    5 * time.Minute,
		Retention:     30 * time.Minute,
		DebounceQuiet: time.Second,
	}

	if err := applyFile(&cfg); err != nil {
		return cfg, err
	}
	applyEnv(&cfg)
	return cfg, nil
}

func defaultStatePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "kbtrack", "state.db")
	}
	return filepath.Join(home, ".kbtrack", "state.db")
}

// applyFile merges the YAML file into cfg. A missing default file is not
// an error; a file named via KBTRACK_CONFIG must exist and parse.
func applyFile(cfg *Config) error {
	path := os.Getenv("KBTRACK_CONFIG")
	explicit := path != ""
	if !explicit {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil
		}
		path = filepath.Join(home, ".kbtrack.yaml")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if !explicit {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	if fc.ServerURL != "" {
		cfg.ServerURL = fc.ServerURL
	}
	if fc.StatePath != "" {
		cfg.StatePath = fc.StatePath
	}
	if fc.LogFile != "" {
		cfg.LogFile = fc.LogFile
	}
	if fc.LogLevel != "" {
		cfg.LogLevel = parseLogLevel(fc.LogLevel)
	}
	if err := setDuration(&cfg.StaleAfter, fc.StaleAfter); err != nil {
		return fmt.Errorf("stale_after: %w", err)
	}
	if err := setDuration(&cfg.Retention, fc.Retention); err != nil {
		return fmt.Errorf("retention: %w", err)
	}
	if err := setDuration(&cfg.DebounceQuiet, fc.DebounceQuiet); err != nil {
		return fmt.Errorf("debounce_quiet: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("KBTRACK_SERVER_URL"); v != "" {
		cfg.ServerURL = v
	}
	if v := os.Getenv("KBTRACK_STATE_PATH"); v != "" {
		cfg.StatePath = v
	}
	if v := os.Getenv("KBTRACK_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}
	if v := os.Getenv("KBTRACK_LOG_LEVEL"); v != "" {
		cfg.LogLevel = parseLogLevel(v)
	}
	if v := os.Getenv("KBTRACK_STALE_AFTER"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.StaleAfter = d
		}
	}
	if v := os.Getenv("KBTRACK_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Retention = d
		}
	}
	if v := os.Getenv("KBTRACK_DEBOUNCE_QUIET"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DebounceQuiet = d
		}
	}
}

func setDuration(dst *time.Duration, raw string) error {
	if raw == "" {
		return nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return err
	}
	*dst = d
	return nil
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

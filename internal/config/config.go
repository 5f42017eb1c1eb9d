// Package config manages acpd daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete acpd configuration.
type Config struct {
	ACP     ACPConfig     `koanf:"acp"`
	Metrics MetricsConfig `koanf:"metrics"`
	Log     LogConfig     `koanf:"log"`
}

// ACPConfig holds the ACP daemon listener configuration.
type ACPConfig struct {
	// Addr is the ACP listen address (e.g., ":5009", spec section 6,
	// "TCP port. Default 5009").
	Addr string `koanf:"addr"`

	// MaxConnections caps concurrently accepted sessions; 0 means
	// unlimited.
	MaxConnections int `koanf:"max_connections"`

	// Timeout is a per-exchange timeout setting (default 10s). It is
	// loaded and validated (must be > 0), but nothing else in this module
	// reads it: client exchanges use acp.DefaultTimeout and server
	// sessions use their own idle read timeout.
	Timeout time.Duration `koanf:"timeout"`

	// Password is the single administrative account's cleartext password
	// (spec section 4.7: username is always "admin"), used at startup to
	// derive the in-memory SRP verifier. Left empty, the daemon starts
	// with no enrolled account and every AUTHENTICATE fails.
	Password string `koanf:"password"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ACP: ACPConfig{
			Addr:           ":5009",
			MaxConnections: 64,
			Timeout:        10 * time.Second,
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for acpd configuration.
// Variables are named ACPD_<section>_<key>, e.g., ACPD_ACP_ADDR.
const envPrefix = "ACPD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (ACPD_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	ACPD_ACP_ADDR            -> acp.addr
//	ACPD_ACP_MAX_CONNECTIONS -> acp.max_connections
//	ACPD_ACP_TIMEOUT         -> acp.timeout
//	ACPD_ACP_PASSWORD        -> acp.password
//	ACPD_METRICS_ADDR        -> metrics.addr
//	ACPD_METRICS_PATH        -> metrics.path
//	ACPD_LOG_LEVEL           -> log.level
//	ACPD_LOG_FORMAT          -> log.format
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first.
	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	// Load YAML file on top of defaults.
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	// Load environment variable overrides on top of YAML.
	// ACPD_ACP_ADDR -> acp.addr (strip prefix, lowercase, first _ -> .).
	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms ACPD_ACP_ADDR -> acp.addr.
// Strips the ACPD_ prefix, lowercases, and replaces the first _ (the
// section separator) with ., so ACPD_ACP_MAX_CONNECTIONS -> acp.max_connections.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"acp.addr":            defaults.ACP.Addr,
		"acp.max_connections": defaults.ACP.MaxConnections,
		"acp.timeout":         defaults.ACP.Timeout.String(),
		"metrics.addr":        defaults.Metrics.Addr,
		"metrics.path":        defaults.Metrics.Path,
		"log.level":           defaults.Log.Level,
		"log.format":          defaults.Log.Format,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyACPAddr indicates the ACP listen address is empty.
	ErrEmptyACPAddr = errors.New("acp.addr must not be empty")

	// ErrInvalidTimeout indicates the default timeout is not positive.
	ErrInvalidTimeout = errors.New("acp.timeout must be > 0")

	// ErrNegativeMaxConnections indicates max_connections is negative.
	ErrNegativeMaxConnections = errors.New("acp.max_connections must be >= 0")

	// ErrEmptyMetricsAddr indicates the metrics listen address is empty.
	ErrEmptyMetricsAddr = errors.New("metrics.addr must not be empty")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.ACP.Addr == "" {
		return ErrEmptyACPAddr
	}

	if cfg.ACP.Timeout <= 0 {
		return ErrInvalidTimeout
	}

	if cfg.ACP.MaxConnections < 0 {
		return ErrNegativeMaxConnections
	}

	if cfg.Metrics.Addr == "" {
		return ErrEmptyMetricsAddr
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

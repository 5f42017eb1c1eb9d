package config_test

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nyxcore/acpd/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.ACP.Addr != ":5009" {
		t.Errorf("ACP.Addr = %q, want %q", cfg.ACP.Addr, ":5009")
	}

	if cfg.ACP.MaxConnections != 64 {
		t.Errorf("ACP.MaxConnections = %d, want %d", cfg.ACP.MaxConnections, 64)
	}

	if cfg.ACP.Timeout != 10*time.Second {
		t.Errorf("ACP.Timeout = %v, want %v", cfg.ACP.Timeout, 10*time.Second)
	}

	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9100")
	}

	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/metrics")
	}

	if cfg.Log.Level != "info" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "info")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "json")
	}

	// Defaults must pass validation.
	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
acp:
  addr: ":6000"
  max_connections: 32
  timeout: "5s"
metrics:
  addr: ":9200"
  path: "/custom-metrics"
log:
  level: "debug"
  format: "text"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.ACP.Addr != ":6000" {
		t.Errorf("ACP.Addr = %q, want %q", cfg.ACP.Addr, ":6000")
	}

	if cfg.ACP.MaxConnections != 32 {
		t.Errorf("ACP.MaxConnections = %d, want %d", cfg.ACP.MaxConnections, 32)
	}

	if cfg.ACP.Timeout != 5*time.Second {
		t.Errorf("ACP.Timeout = %v, want %v", cfg.ACP.Timeout, 5*time.Second)
	}

	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9200")
	}

	if cfg.Metrics.Path != "/custom-metrics" {
		t.Errorf("Metrics.Path = %q, want %q", cfg.Metrics.Path, "/custom-metrics")
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "debug")
	}

	if cfg.Log.Format != "text" {
		t.Errorf("Log.Format = %q, want %q", cfg.Log.Format, "text")
	}
}

func TestLoadMergesDefaults(t *testing.T) {
	t.Parallel()

	// Partial YAML: only override acp.addr and log.level.
	// Everything else should inherit from defaults.
	yamlContent := `
acp:
  addr: ":5555"
log:
  level: "warn"
`

	path := writeTemp(t, yamlContent)

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	// Overridden values.
	if cfg.ACP.Addr != ":5555" {
		t.Errorf("ACP.Addr = %q, want %q", cfg.ACP.Addr, ":5555")
	}

	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want %q", cfg.Log.Level, "warn")
	}

	// Default values should be preserved.
	if cfg.ACP.MaxConnections != 64 {
		t.Errorf("ACP.MaxConnections = %d, want default %d", cfg.ACP.MaxConnections, 64)
	}

	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want default %q", cfg.Metrics.Addr, ":9100")
	}

	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path = %q, want default %q", cfg.Metrics.Path, "/metrics")
	}

	if cfg.Log.Format != "json" {
		t.Errorf("Log.Format = %q, want default %q", cfg.Log.Format, "json")
	}
}

func TestValidateErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		modify  func(*config.Config)
		wantErr error
	}{
		{
			name: "empty acp addr",
			modify: func(cfg *config.Config) {
				cfg.ACP.Addr = ""
			},
			wantErr: config.ErrEmptyACPAddr,
		},
		{
			name: "zero timeout",
			modify: func(cfg *config.Config) {
				cfg.ACP.Timeout = 0
			},
			wantErr: config.ErrInvalidTimeout,
		},
		{
			name: "negative timeout",
			modify: func(cfg *config.Config) {
				cfg.ACP.Timeout = -1 * time.Second
			},
			wantErr: config.ErrInvalidTimeout,
		},
		{
			name: "negative max connections",
			modify: func(cfg *config.Config) {
				cfg.ACP.MaxConnections = -1
			},
			wantErr: config.ErrNegativeMaxConnections,
		},
		{
			name: "empty metrics addr",
			modify: func(cfg *config.Config) {
				cfg.Metrics.Addr = ""
			},
			wantErr: config.ErrEmptyMetricsAddr,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.modify(cfg)

			err := config.Validate(cfg)
			if err == nil {
				t.Fatal("Validate() returned nil, want error")
			}

			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  slog.Level
	}{
		{input: "debug", want: slog.LevelDebug},
		{input: "DEBUG", want: slog.LevelDebug},
		{input: "info", want: slog.LevelInfo},
		{input: "INFO", want: slog.LevelInfo},
		{input: "warn", want: slog.LevelWarn},
		{input: "WARN", want: slog.LevelWarn},
		{input: "error", want: slog.LevelError},
		{input: "Error", want: slog.LevelError},
		{input: "unknown", want: slog.LevelInfo},
		{input: "", want: slog.LevelInfo},
		{input: "trace", want: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			t.Parallel()

			got := config.ParseLogLevel(tt.input)
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestLoadNonexistentFile(t *testing.T) {
	t.Parallel()

	_, err := config.Load("/nonexistent/path/config.yml")
	if err == nil {
		t.Fatal("Load() returned nil error for nonexistent file")
	}
}

// -------------------------------------------------------------------------
// Environment Variable Override Tests
// -------------------------------------------------------------------------

func TestLoadEnvOverrides(t *testing.T) {
	// Environment variable tests cannot be parallel because they modify
	// process-wide state (os.Setenv).

	yamlContent := `
acp:
  addr: ":5009"
log:
  level: "info"
`
	path := writeTemp(t, yamlContent)

	// Set env overrides.
	t.Setenv("ACPD_ACP_ADDR", ":6000")
	t.Setenv("ACPD_LOG_LEVEL", "debug")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.ACP.Addr != ":6000" {
		t.Errorf("ACP.Addr = %q, want %q (from env)", cfg.ACP.Addr, ":6000")
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want %q (from env)", cfg.Log.Level, "debug")
	}
}

func TestLoadEnvOverridesMetrics(t *testing.T) {
	yamlContent := `
acp:
  addr: ":5009"
metrics:
  addr: ":9100"
  path: "/metrics"
`
	path := writeTemp(t, yamlContent)

	t.Setenv("ACPD_METRICS_ADDR", ":9200")
	t.Setenv("ACPD_METRICS_PATH", "/custom")

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load(%q) error: %v", path, err)
	}

	if cfg.Metrics.Addr != ":9200" {
		t.Errorf("Metrics.Addr = %q, want %q (from env)", cfg.Metrics.Addr, ":9200")
	}

	if cfg.Metrics.Path != "/custom" {
		t.Errorf("Metrics.Path = %q, want %q (from env)", cfg.Metrics.Path, "/custom")
	}
}

// writeTemp creates a temporary YAML file and returns its path.
// The file is automatically cleaned up when the test finishes.
func writeTemp(t *testing.T, content string) string {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "acpd.yml")

	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	return path
}

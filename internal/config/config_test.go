package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(NewViper(), "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "8090" {
		t.Fatalf("expected default port 8090, got %q", cfg.Port)
	}
	if cfg.LogLevel != slog.LevelInfo {
		t.Fatalf("expected info level, got %v", cfg.LogLevel)
	}
	if cfg.FetchTimeout != 10*time.Second || cfg.FetchAttempts != 2 || cfg.RetryBackoff != 200*time.Millisecond {
		t.Fatalf("unexpected fetch defaults: %#v", cfg)
	}
	if cfg.RefreshInterval != 0 {
		t.Fatalf("expected periodic refresh off by default, got %v", cfg.RefreshInterval)
	}
	if _, ok := cfg.InitialIdentity(); ok {
		t.Fatalf("expected no initial identity")
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PULSE_PORT", "9100")
	t.Setenv("PULSE_LOG_LEVEL", "trace")
	t.Setenv("PULSE_FETCH_TIMEOUT", "3s")
	t.Setenv("PULSE_FETCH_ATTEMPTS", "4")
	t.Setenv("PULSE_REFRESH_INTERVAL", "30s")
	t.Setenv("PULSE_CLUSTER", "prod")
	t.Setenv("PULSE_CONTEXT", "admin@prod")

	cfg, err := Load(NewViper(), "")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9100" || cfg.LogLevel != slog.LevelDebug {
		t.Fatalf("unexpected port/level: %q %v", cfg.Port, cfg.LogLevel)
	}
	if cfg.FetchTimeout != 3*time.Second || cfg.FetchAttempts != 4 || cfg.RefreshInterval != 30*time.Second {
		t.Fatalf("unexpected durations: %#v", cfg)
	}
	identity, ok := cfg.InitialIdentity()
	if !ok || identity.Name != "prod" || identity.Context != "admin@prod" {
		t.Fatalf("unexpected initial identity %#v", identity)
	}
}

func TestLoadClusterCatalogueFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pulse.yaml")
	content := `
port: "9200"
fixture-dir: ./fixtures
clusters:
  - name: prod
    context: admin@prod
  - name: dev
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(NewViper(), path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Port != "9200" || cfg.FixtureDir != "./fixtures" {
		t.Fatalf("unexpected file values: %#v", cfg)
	}
	if len(cfg.Clusters) != 2 || cfg.Clusters[0].Context != "admin@prod" || cfg.Clusters[1].Name != "dev" {
		t.Fatalf("unexpected catalogue %#v", cfg.Clusters)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("PULSE_PORT", "http")
	t.Setenv("PULSE_FETCH_ATTEMPTS", "0")
	t.Setenv("PULSE_IN_CLUSTER", "true")
	t.Setenv("PULSE_FIXTURE_DIR", "/tmp/fixtures")

	_, err := Load(NewViper(), "")
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"invalid port", "fetch-attempts", "mutually exclusive"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("expected %q in error, got %v", want, err)
		}
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	if _, err := Load(NewViper(), filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"error":   slog.LevelError,
		" WARN ":  slog.LevelWarn,
		"debug":   slog.LevelDebug,
		"trace":   slog.LevelDebug,
		"info":    slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for raw, want := range cases {
		if got := ParseLogLevel(raw); got != want {
			t.Fatalf("ParseLogLevel(%q) = %v, want %v", raw, got, want)
		}
	}
}

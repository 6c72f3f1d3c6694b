package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())

	cfg, msg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if msg != "Using default/environment configuration." {
		t.Errorf("unexpected message %q", msg)
	}
	if cfg.Server.Port != DefaultServerPort {
		t.Errorf("server port = %q, want %q", cfg.Server.Port, DefaultServerPort)
	}
	if cfg.Proxy.Port != DefaultProxyPort {
		t.Errorf("proxy port = %q, want %q", cfg.Proxy.Port, DefaultProxyPort)
	}
	if !cfg.Proxy.Enabled {
		t.Error("proxy should be enabled by default")
	}
	if cfg.Engine.MaxActiveRules != DefaultMaxActiveRules {
		t.Errorf("max active rules = %d, want %d", cfg.Engine.MaxActiveRules, DefaultMaxActiveRules)
	}
	if cfg.Store.DebounceMS != DefaultDebounceMS {
		t.Errorf("debounce = %d, want %d", cfg.Store.DebounceMS, DefaultDebounceMS)
	}
	if cfg.Cleanup.Interval != time.Hour {
		t.Errorf("cleanup interval = %v, want 1h", cfg.Cleanup.Interval)
	}
	if cfg.Proxy.LogRetention != DefaultLogRetention {
		t.Errorf("log retention = %v, want %v", cfg.Proxy.LogRetention, DefaultLogRetention)
	}
	if len(cfg.Server.AllowedOrigins) != 0 {
		t.Errorf("allowed origins = %v, want none", cfg.Server.AllowedOrigins)
	}
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  port: "9000"
  allowed_origins:
    - chrome-extension://abcdefghijklmnop
engine:
  max_active_rules: 10
store:
  debounce_ms: 50
cleanup:
  interval: 15m
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CORSRULES_PROXY_PORT", "9001")

	cfg, _, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != "9000" {
		t.Errorf("server port = %q, want 9000", cfg.Server.Port)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "chrome-extension://abcdefghijklmnop" {
		t.Errorf("allowed origins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Proxy.Port != "9001" {
		t.Errorf("proxy port = %q, want 9001 from env", cfg.Proxy.Port)
	}
	if cfg.Engine.MaxActiveRules != 10 {
		t.Errorf("max active rules = %d, want 10", cfg.Engine.MaxActiveRules)
	}
	if cfg.Store.DebounceMS != 50 {
		t.Errorf("debounce = %d, want 50", cfg.Store.DebounceMS)
	}
	if cfg.Cleanup.Interval != 15*time.Minute {
		t.Errorf("cleanup interval = %v, want 15m", cfg.Cleanup.Interval)
	}
	if cfg.Logging.Level != "DEBUG" {
		t.Errorf("log level = %q, want DEBUG", cfg.Logging.Level)
	}
}

func TestLoadMissingExplicitFile(t *testing.T) {
	if _, _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected an error for a missing explicit config file")
	}
}

func TestExpandTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := ExpandTilde("~/x/y")
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(home, "x/y"); got != want {
		t.Errorf("ExpandTilde = %q, want %q", got, want)
	}
	if got, _ := ExpandTilde("/abs"); got != "/abs" {
		t.Errorf("absolute path changed to %q", got)
	}
}

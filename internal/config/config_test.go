package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("writing temp file: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	yaml := `
log:
  level: debug
  format: json

defaults:
  connect_timeout: 5s
  query_read_timeout: 15s
  max_frame_size: 1048576

diagnostics:
  enabled: true
  addr: "127.0.0.1:9090"
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("expected log level debug, got %s", cfg.Log.Level)
	}
	if cfg.Defaults.ConnectTimeout != 5*time.Second {
		t.Errorf("expected connect timeout 5s, got %v", cfg.Defaults.ConnectTimeout)
	}
	if cfg.Defaults.MaxFrameSize != 1048576 {
		t.Errorf("expected max frame size 1048576, got %d", cfg.Defaults.MaxFrameSize)
	}
	if !cfg.Diagnostics.Enabled || cfg.Diagnostics.Addr != "127.0.0.1:9090" {
		t.Errorf("expected diagnostics enabled on 127.0.0.1:9090, got %+v", cfg.Diagnostics)
	}
}

func TestLoadEnvSubstitution(t *testing.T) {
	os.Setenv("PGWIRE_TEST_ADDR", "0.0.0.0:7070")
	defer os.Unsetenv("PGWIRE_TEST_ADDR")

	yaml := `
diagnostics:
  addr: "${PGWIRE_TEST_ADDR}"
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Diagnostics.Addr != "0.0.0.0:7070" {
		t.Errorf("expected substituted addr, got %s", cfg.Diagnostics.Addr)
	}
}

func TestLoadEnvSubstitutionLeavesUnknownVarsAlone(t *testing.T) {
	yaml := `
diagnostics:
  addr: "${PGWIRE_DEFINITELY_UNSET_VAR}"
`
	path := writeTemp(t, yaml)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Diagnostics.Addr != "${PGWIRE_DEFINITELY_UNSET_VAR}" {
		t.Errorf("expected unresolved placeholder left intact, got %s", cfg.Diagnostics.Addr)
	}
}

func TestApplyDefaults(t *testing.T) {
	path := writeTemp(t, "{}\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Log.Level != "info" {
		t.Errorf("expected default log level info, got %s", cfg.Log.Level)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("expected default log format text, got %s", cfg.Log.Format)
	}
	if cfg.Defaults.ConnectTimeout != 10*time.Second {
		t.Errorf("expected default connect timeout 10s, got %v", cfg.Defaults.ConnectTimeout)
	}
	if cfg.Defaults.QueryReadTimeout != 30*time.Second {
		t.Errorf("expected default query read timeout 30s, got %v", cfg.Defaults.QueryReadTimeout)
	}
	if cfg.Defaults.MaxFrameSize != 1<<28 {
		t.Errorf("expected default max frame size 1<<28, got %d", cfg.Defaults.MaxFrameSize)
	}
	if cfg.Diagnostics.Addr != "127.0.0.1:6060" {
		t.Errorf("expected default diagnostics addr, got %s", cfg.Diagnostics.Addr)
	}
}

func TestParsedLevel(t *testing.T) {
	cases := map[string]string{
		"debug":   "DEBUG",
		"warn":    "WARN",
		"error":   "ERROR",
		"info":    "INFO",
		"":        "INFO",
		"bogus":   "INFO",
	}
	for in, want := range cases {
		lc := LogConfig{Level: in}
		if got := lc.ParsedLevel().String(); got != want {
			t.Errorf("ParsedLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestWatcherReloadsOnWrite(t *testing.T) {
	path := writeTemp(t, "log:\n  level: info\n")

	reloaded := make(chan *Config, 1)
	w, err := NewWatcher(path, func(cfg *Config) { reloaded <- cfg })
	if err != nil {
		t.Fatalf("NewWatcher failed: %v", err)
	}
	defer w.Stop()

	if err := os.WriteFile(path, []byte("log:\n  level: debug\n"), 0644); err != nil {
		t.Fatalf("rewriting config: %v", err)
	}

	select {
	case cfg := <-reloaded:
		if cfg.Log.Level != "debug" {
			t.Errorf("expected reloaded level debug, got %s", cfg.Log.Level)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}
}
